package mcpserver

// SideFilesURI is the resource URI of SideFilesContract.
const SideFilesURI = "vaultkeep://side-files"

// SideFilesContract describes the files kept under .vaultkeep/ that LLM
// consumers may read but should change only through the tools.
const SideFilesContract = `# Vaultkeep Side-file Contract

Notes stay plain Markdown. Everything the editor knows about a note beyond
its text lives under ` + "`" + `.vaultkeep/` + "`" + ` at the vault root and syncs with it.

## Layout

` + "```" + `
.vaultkeep/
  annotations/<note path>.json   # comments and tasks of one note
  ontology.yaml                  # shared tag vocabulary
  locks/<hash>.json              # advisory edit locks, one per note
` + "```" + `

## Annotations

` + "```" + `json
{
  "annotations": [
    {
      "id": "5f0c...",
      "kind": "comment",
      "content": "Check this figure",
      "anchor": {"start": 120, "end": 131},
      "anchor_text": "Q3 revenue",
      "created_time": "2025-01-20T09:30:00.000Z",
      "resolved": false
    }
  ]
}
` + "```" + `

1. **Anchors** are byte offsets into the note body (frontmatter excluded).
2. **anchor_text** must equal the text at the anchor. When the text is gone
   from the body the annotation is dropped on the next save of the note.
3. **Tasks** carry a ` + "`" + `task` + "`" + ` object with ` + "`" + `done` + "`" + `, ` + "`" + `due` + "`" + ` and ` + "`" + `priority` + "`" + `.
4. Concurrent edits merge per ID; the entry with the later ` + "`" + `created_time` + "`" + ` wins.

## Ontology

` + "```" + `yaml
definitions:
  proj:
    id: proj
    name: Project
    color: "#ff8800"
synonyms:
  prj: proj
version: 9b1d...
last_modified: 2025-01-20T09:30:00Z
` + "```" + `

1. **Synonyms** are lowercase and point at a definition ID.
2. **version** changes on every write. Writers that raced merge their
   changes; on a shared key the later writer wins.

## Locks

Lock files are advisory and expire when their device stops sending
heartbeats. Use the ` + "`" + `note_status` + "`" + ` tool instead of reading them.
`
