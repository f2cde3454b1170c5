package planner

const decomposeSystem = `You split user questions into independent sub-queries for a retrieval engine.
Respond with JSON only.`

const decomposeTemplate = `Available tools:
{{.tools}}
{{if .history}}
Recent conversation:
{{.history}}
{{end}}
Question: {{.query}}

Split the question into at most {{.max}} sub-queries. Each sub-query uses exactly one tool from the list.
Return: {"subtasks":[{"id":"t1","query":"...","tool":"tool_name","args":{}}]}
"args" is optional and only needed when the tool takes more than a query.`

const rewriteSystem = `You rewrite search queries so that a retrieval engine finds better evidence.
Respond with the rewritten query only.`

const rewriteTemplate = `Original query: {{.query}}
Why the previous results were insufficient: {{.reason}}
Suggestions: {{default "none" .suggestions}}`
