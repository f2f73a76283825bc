package mcpserver

// TableModelContract describes the table document model that LLM consumers
// should follow when reading or editing tables.
const TableModelContract = `# Tessera Table Model

A **document** is an ordered list of **blocks**. A block is either ` + "`text`" + ` or
` + "`table`" + `. A table block owns ordered **columns** and ordered **rows**.

## Columns

- Every column is bound to a **property** (` + "`property_id`" + `): a reusable typed
  field defined per organization, project or document.
- Types: text, number, select, multi_select, date, checkbox, url, email, user.
- Select columns carry their allowed ` + "`options`" + `.

## Rows

- Cell values live in ` + "`properties`" + `, keyed by the column's property id.
- Requirement rows also have five **natural fields**: identifier, name,
  description, status, priority. They are stored both as first-class row
  fields and as property envelopes under the same key; editing one updates
  both.
- Tables always show the natural fields. When no real column exists for one,
  a virtual column with id ` + "`virtual:<field>`" + ` stands in for it.

## Editing

- Use ` + "`read_table`" + ` first. Address a cell by ` + "`row_id`" + ` and either a column id,
  a property id, or a virtual column id.
- ` + "`update_cell`" + ` takes the value as JSON (` + "`\"done\"`" + `, ` + "`3`" + `, ` + "`true`" + `,
  ` + "`[\"a\",\"b\"]`" + `). A bare string that is not valid JSON is stored as text.
- Every change is broadcast to connected editors immediately.

## Example

` + "```" + `json
{"block_id": "b1", "row_id": "r7", "column": "virtual:status", "value": "\"done\""}
` + "```" + `
`
