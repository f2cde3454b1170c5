package compaction

const summarySystem = `You maintain a running summary of a tutoring conversation.`

const summaryTemplate = `{{if .existing}}Summary so far:
{{.existing}}

New conversation:
{{.conversation}}

Extend the summary with the new conversation.{{else}}Conversation:
{{.conversation}}

Summarize the conversation.{{end}}
Keep the user's name, preferences and learning goals, the topics discussed and the conclusions reached.
Stay under {{.limit}} characters. Reply with the summary only.`
