package reflection

const evaluateSystem = `You judge whether retrieved evidence is enough to answer a question.
Respond with JSON only.`

const evaluateTemplate = `Question: {{.query}}

Evidence:
{{.context}}

Decide:
- "sufficient": the evidence answers the question
- "retry": more or different evidence is needed; say what to search for
- "give_up": the evidence base cannot answer this question

Return: {"decision":"sufficient|retry|give_up","reason":"...","suggestions":"..."}`
