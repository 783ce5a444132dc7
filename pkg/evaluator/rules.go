package evaluator

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/Aximande/phospho/pkg/lab"
	"github.com/Aximande/phospho/pkg/models"
)

// RulesSource is the evaluation source written by the rule evaluators
const RulesSource = "phospho-rules"

// KeywordDetector detects an event when the conversation mentions the event
// name or one of the keywords configured for it. Matching is case-insensitive
// and covers the message, its output and its context turns.
type KeywordDetector struct {
	Keywords map[string][]string
}

func (d KeywordDetector) Evaluate(ctx context.Context, msg lab.Message, job *lab.Job) (lab.Outcome, error) {
	def, ok := job.EventDefinition()
	if !ok {
		return lab.Outcome{}, fmt.Errorf("job %s is not an event detection job", job.ID)
	}

	text := strings.ToLower(conversationText(msg))
	terms := append([]string{def.EventName}, d.Keywords[def.EventName]...)
	detected := false
	for _, term := range terms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" && strings.Contains(text, term) {
			detected = true
			break
		}
	}

	meta := map[string]interface{}{lab.MetaEvaluationSource: RulesSource}
	if def.ScoreRange != nil {
		sr := *def.ScoreRange
		if detected {
			sr.Value = sr.Max
		} else {
			sr.Value = sr.Min
		}
		meta[lab.MetaScoreRange] = sr
	}
	return lab.Outcome{Value: detected, ResultType: models.ResultTypeBool, Metadata: meta}, nil
}

var failureMarkers = []string{
	"i'm sorry",
	"i am sorry",
	"i cannot",
	"i can't",
	"unable to",
	"an error occurred",
}

// HeuristicScorer flags a task. An input matching a few-shot example takes
// the example's flag; otherwise an empty or apologetic output is a failure.
type HeuristicScorer struct{}

func (HeuristicScorer) Evaluate(ctx context.Context, msg lab.Message, job *lab.Job) (lab.Outcome, error) {
	meta := map[string]interface{}{lab.MetaEvaluationSource: RulesSource}
	input := normalize(msg.Content)

	for _, key := range []string{lab.MetaSuccessfulExamples, lab.MetaUnsuccessfulExamples} {
		for _, ex := range fewShotExamples(msg.Metadata[key]) {
			if normalize(ex.Input) == input && models.IsValidFlag(ex.Flag) {
				return lab.Outcome{Value: ex.Flag, ResultType: models.ResultTypeLiteral, Metadata: meta}, nil
			}
		}
	}

	output, _ := msg.Metadata[lab.MetaOutput].(string)
	output = strings.ToLower(strings.TrimSpace(output))
	flag := models.FlagSuccess
	if output == "" {
		flag = models.FlagFailure
	}
	for _, marker := range failureMarkers {
		if strings.Contains(output, marker) {
			flag = models.FlagFailure
			break
		}
	}
	return lab.Outcome{Value: flag, ResultType: models.ResultTypeLiteral, Metadata: meta}, nil
}

var (
	positiveWords = wordSet("good", "great", "excellent", "thanks", "thank", "love", "perfect", "helpful", "happy", "awesome", "nice", "merci", "super", "genial", "gracias")
	negativeWords = wordSet("bad", "terrible", "awful", "hate", "wrong", "useless", "angry", "broken", "worst", "disappointed", "nul", "mauvais", "malo")

	languageHints = map[string]map[string]bool{
		"fr": wordSet("le", "la", "les", "est", "et", "je", "vous", "merci", "pas", "une"),
		"es": wordSet("el", "los", "las", "es", "y", "yo", "usted", "gracias", "una", "por"),
		"en": wordSet("the", "is", "and", "i", "you", "thanks", "not", "a", "to", "of"),
	}
)

// LexiconSentiment scores the message content against small word lists.
// Score is in [-1, 1]; magnitude grows with the number of emotional words.
type LexiconSentiment struct{}

func (LexiconSentiment) Evaluate(ctx context.Context, msg lab.Message, job *lab.Job) (lab.Outcome, error) {
	words := tokenize(msg.Content)
	var pos, neg int
	for _, w := range words {
		switch {
		case positiveWords[w]:
			pos++
		case negativeWords[w]:
			neg++
		}
	}

	score := 0.0
	if pos+neg > 0 {
		score = float64(pos-neg) / float64(pos+neg)
	}
	return lab.Outcome{
		Value: map[string]interface{}{
			"score":     score,
			"magnitude": 0.5 * float64(pos+neg),
			"language":  detectLanguage(words),
		},
		ResultType: models.ResultTypeDict,
		Metadata:   map[string]interface{}{lab.MetaEvaluationSource: RulesSource},
	}, nil
}

// RegisterRules registers the rule evaluators on registry
func RegisterRules(registry *lab.Registry, keywords map[string][]string) {
	registry.Register(lab.KindEventDetection, KeywordDetector{Keywords: keywords})
	registry.Register(lab.KindEvaluation, HeuristicScorer{})
	registry.Register(lab.KindSentiment, LexiconSentiment{})
}

func detectLanguage(words []string) string {
	best, bestHits := "en", 0
	for _, lang := range []string{"en", "fr", "es"} {
		hits := 0
		for _, w := range words {
			if languageHints[lang][w] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}
	return best
}

func conversationText(msg lab.Message) string {
	var b strings.Builder
	b.WriteString(msg.Transcript())
	if out, ok := msg.Metadata[lab.MetaOutput].(string); ok {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}

func fewShotExamples(v interface{}) []models.FewShotExample {
	switch ex := v.(type) {
	case []models.FewShotExample:
		return ex
	case []interface{}:
		// decoded from JSON
		out := make([]models.FewShotExample, 0, len(ex))
		for _, item := range ex {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			input, _ := m["input"].(string)
			flag, _ := m["flag"].(string)
			out = append(out, models.FewShotExample{Input: input, Flag: flag})
		}
		return out
	}
	return nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func wordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
