package engine

const routeSystem = `You classify user messages for a question answering assistant.
Respond with JSON only.`

const routeTemplate = `{{if .summary}}Conversation summary: {{.summary}}
{{end}}{{if .history}}Recent conversation:
{{.history}}
{{end}}Message: {{.query}}

Classify the message:
- simple: a direct question answerable with one search
- complex: needs several searches, a calculation or an action
- clarify: too vague to answer without more information
- chitchat: greeting or small talk

If the message refers to earlier turns, rewrite it as a standalone question.
Return: {"type":"simple|complex|clarify|chitchat","reasoning":"...","rewritten_query":"..."}`

const chitchatSystem = `You are a friendly study assistant. Reply briefly and invite the user to ask a question.`

const clarifyMessage = "Could you tell me a bit more about what you are looking for? A specific topic, chapter or example helps me find the right material."

const synthesizeSystem = `You answer questions using only the provided sources.
Cite sources inline as [Source N]. If the sources do not cover the question, say so.`

const synthesizeTemplate = `{{if .summary}}Conversation summary: {{.summary}}
{{end}}{{if .history}}Recent conversation:
{{.history}}
{{end}}Sources:
{{default "(no sources found)" .context}}

Question: {{.query}}
{{if .low}}
The evidence is thin. Answer what you can and state clearly what is uncertain.
{{end}}{{if .feedback}}
A reviewer rejected the previous draft:
{{.previous}}

Reviewer feedback: {{.feedback}}
Write an improved answer.
{{end}}`
