package mcpserver

// StepFormatContract describes the wire format of steps that LLM consumers
// must follow when calling apply_steps.
const StepFormatContract = `# Arbor Step Format Contract

A document is a tree of nodes. Every node has a unique ` + "`id`" + `, a ` + "`type`" + `
declared by the document schema, optional ` + "`attrs`" + `, optional ` + "`text`" + `,
optional ` + "`marks`" + ` and ordered ` + "`content`" + ` (children).

Edits are sent as a list of steps. All steps of one apply_steps call form one
transaction: either all of them apply or none does.

## Envelope

Every step is wrapped in an envelope:

` + "```" + `json
{"type": "<kind>", "data": { ... }}
` + "```" + `

## Kinds

| type          | data fields                                              |
|---------------|----------------------------------------------------------|
| add_node      | parent, nodes (list of {node, children}), index?         |
| remove_node   | parent, ids (list of child ids)                          |
| move_node     | src, dst, id, index?                                     |
| set_attr      | node, attrs (object), unset? (list of keys)              |
| add_mark      | node, mark ({type, attrs?}), index?                      |
| remove_mark   | node, mark_type                                          |
| batch         | steps (list of envelopes)                                |

## Rules

1. **The root node can not be removed or moved.**
2. **Every change must satisfy the schema.** Children must match the content
   expression of the parent type; marks must be allowed on the node type;
   attributes must be declared. Use get_schema to read the rules.
3. **A node without an id gets a fresh one.** Read the document back to learn it.
4. **index** is optional; omitted means append. It counts positions in the
   target children list after the move source is taken out.
5. **set_attr** merges attrs; keys listed in unset return to their default.
6. **A node carries at most one mark of each type.** Adding one of the same
   type replaces it.
7. **Pass expect_checksum** to reject the call if someone else changed the
   document since you read it.

## Example

` + "```" + `json
[
  {"type": "add_node", "data": {"parent": "root", "nodes": [
    {"node": {"id": "p1", "type": "paragraph", "text": "Hello"}}
  ]}},
  {"type": "add_mark", "data": {"node": "p1", "mark": {"type": "strong"}}},
  {"type": "set_attr", "data": {"node": "p1", "attrs": {"align": "center"}}}
]
` + "```" + `
`
