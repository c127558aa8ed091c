package llm

import (
	"fmt"
	"strings"

	"holderbot/internal/domain"
)

var attributeHints = [domain.NumAttributes]string{
	domain.AttrMaterial: "what the holder itself is made of (metal shine, concrete texture, wood grain)",
	domain.AttrOwner:    "who most likely owns it (city street furniture, private property, state road)",
	domain.AttrType:     "the kind of holder (single or double sign post, street lighting pole, traffic light pole)",
}

// BuildPrompt lists the form values so the model answers in the form's
// own vocabulary where it can.
func BuildPrompt(vocabularies [domain.NumAttributes][]string) string {
	var b strings.Builder
	b.WriteString("Analyze this photo of a traffic sign holder in Slovakia and classify it.\n\n")
	for _, attr := range domain.Attributes() {
		fmt.Fprintf(&b, "%s: %s.\n", strings.ToUpper(attr.String()), attributeHints[attr])
		if values := vocabularies[attr]; len(values) > 0 {
			b.WriteString("Choose one of:\n")
			for _, v := range values {
				fmt.Fprintf(&b, "- %s\n", v)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString(`Confidence:
- 0.9-1.0 very certain, clear visual evidence
- 0.7-0.8 good confidence, some visual cues
- 0.5-0.6 moderate, some uncertainty
- below 0.5 unclear image

Leave a field empty when it cannot be judged from the photo.
Return ONLY a JSON object:
{"material": "...", "owner": "...", "type": "...", "confidence": 0.85, "description": "...", "visual_cues": ["..."]}`)
	return b.String()
}
