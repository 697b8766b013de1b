package prompt

var defaultPair = []MessageSpec{
	{
		Role: "system",
		Text: `You are a helpful assistant that evaluates relevance scores for {{.Vocab.Singular}}-related query-document pairs.`,
	},
	{
		Role: "user",
		Text: `You are tasked with evaluating how suitable **{{.Entity}}** is as a {{.Vocab.Context}} for a {{.Vocab.Person}} based on the provided query and {{.Vocab.Singular}} description. Assign a score from **0 to 3** primarily based on your internal knowledge of the {{.Vocab.Singular}} and the supportive evidence from the provided text.

### **Scoring Guidelines:**
- **0** = The {{.Vocab.Singular}} is irrelevant to the query or contradicts the {{.Vocab.Person}}'s intent.
- **1** = The {{.Vocab.Singular}} is loosely related to the query but provides little value or relevance for the {{.Vocab.Person}}.
- **2** = The {{.Vocab.Singular}} has some relevant features to the query, but it is not an ideal fit for the {{.Vocab.Person}}'s intent.
- **3** = The {{.Vocab.Singular}} clearly matches the query goal and is highly suitable as a {{.Vocab.Context}}.

### **Input:**
- **Query:** {{.Query}}
- **{{.Vocab.EntityHeader}}:** {{.Entity}}
- **{{.Vocab.DescriptionTerm}}:** {{.Document}}

### **Evaluation Steps:**
1. Identify the type of {{.Vocab.Context}} or experience the {{.Vocab.Person}} seeks based on the query.
2. Assess the {{.Vocab.Singular}}'s overall strength as a {{.Vocab.Context}}.
3. Evaluate how well the {{.Vocab.Singular}} matches the query's intent based on your internal knowledge.
4. Cross-check the provided {{.Vocab.Singular}} description for supporting details.
5. Assign a single final score.

### **Additional Instructions:**
- Be strict in your rating. Only top-tier {{.Vocab.Plural}} should receive a score of 3. Most {{.Vocab.Plural}} should be rated 0 or 1 unless they have clear relevance and strong alignment with the query.
- The final score should reflect both the {{.Vocab.Singular}}'s specific relevance to the query and its general strength as a {{.Vocab.Context}}.

Your response must be a single integer between 0-3. Output only the score number and nothing else.`,
	},
}

var defaultPassage = []MessageSpec{
	{
		Role: "user",
		Text: `You are an expert {{.Vocab.Singular}} recommendation system that carefully analyzes {{.Vocab.Singular}} information.

QUERY:
{{.Query}}

I will provide you with {{.Count}} passages from {{.Vocab.Singular}} descriptions or reviews. Please evaluate the relevance of each passage to the query.

{{range $i, $p := .Passages}}PASSAGE {{inc $i}}:
{{$p}}

{{end}}TASK:
Rate each passage's relevance to the query on a scale of 0-3:

0 = The passage is not relevant to the query's needs or requirements
1 = The passage shows some relation to the query but doesn't address the specific needs well
2 = The passage partially addresses the query's needs with some relevant features
3 = The passage directly addresses the query's needs with highly relevant features

For each passage, consider:
1. How directly the passage addresses the specific requirements in the query
2. How many of the query's key requirements are met in the passage
3. Whether the passage offers unique features that specifically match the query intent

Return your answer as a JSON object with passage numbers as keys and relevance scores (integers 0-3) as values.

Example response format:
{
  "1": 3,
  "2": 2,
  "3": 0
}

RELEVANCE SCORES:`,
	},
}

var defaultSummary = []MessageSpec{
	{
		Role: "system",
		Text: `You are a helpful assistant that summarizes {{.Vocab.Singular}} information.`,
	},
	{
		Role: "user",
		Text: `You are an expert at analyzing {{.Vocab.Singular}} descriptions and reviews and extracting key information.

{{.Vocab.EntityHeader}}: {{.Entity}}

{{.Vocab.DescriptionTerm}}:
{{.Document}}

QUERY:
{{.Query}}

TASK:
Generate a concise 1-2 sentence summary of this {{.Vocab.Singular}} specifically addressing how it relates to the query.
Focus on the aspects a {{.Vocab.Person}} would care about and on any specific requirements mentioned in the query.

Your summary should help determine if this {{.Vocab.Singular}} is relevant to the query. Don't include general praise
or critique unless directly relevant to the query.

SUMMARY:`,
	},
}

var defaultJudge = []MessageSpec{
	{
		Role: "system",
		Text: `You are a helpful assistant that determines {{.Vocab.Singular}} relevance.`,
	},
	{
		Role: "user",
		Text: `You are an expert {{.Vocab.Singular}} recommendation system that carefully analyzes {{.Vocab.Singular}} information.

QUERY:
{{.Query}}

{{.Vocab.EntityHeader}} SUMMARIES:
{{range .Summaries}}{{$.Vocab.EntityHeader}}: {{.Entity}}
SUMMARY: {{.Summary}}

{{end}}TASK:
Based on the above summaries, determine which {{.Vocab.Plural}} are relevant to the query.
A {{.Vocab.Singular}} is relevant if it would be a good match for a {{.Vocab.Person}} searching with this query.

Return your answer as a JSON array of {{.Vocab.Singular}} names that are relevant to the query.
Include only names exactly as written above, with no additional commentary.

Example response format:
["Name A", "Name B", "Name C"]

RELEVANT {{.Vocab.Plural}}:`,
	},
}
