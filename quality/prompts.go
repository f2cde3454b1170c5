package quality

const reviewSystem = `You review answers produced by a question answering system.
Respond with JSON only.`

const reviewTemplate = `Question: {{.query}}

Evidence:
{{default "(none)" .evidence}}

Answer:
{{.answer}}

Score the answer from 1 to 5 on completeness, accuracy, relevance, clarity and citation
(does it cite [Source N] where it uses evidence). Give short feedback for a rewrite.
Return: {"scores":{"completeness":0,"accuracy":0,"relevance":0,"clarity":0,"citation":0},"feedback":"..."}`
