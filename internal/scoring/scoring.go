// Package scoring grades a finished session against the catalog answer key.
package scoring

import (
	"github.com/stemsi/certexam-backend/internal/model"
)

// Score returns floor(correct / scorable * 100).
//
// Ids absent from answerKey are not scorable and count toward neither side.
// An unanswered scorable question is incorrect. With nothing scorable the
// score is 0. Keys of answerKey and answers are canonicalized first, so a
// representation mismatch (case, braces, whitespace) never drops an answer.
func Score(questionIDs []string, answerKey map[string]int, answers map[string]int) int {
	key := canonicalize(answerKey)
	given := canonicalize(answers)

	var scorable, correct int
	seen := make(map[string]struct{}, len(questionIDs))
	for _, raw := range questionIDs {
		id := model.CanonicalQuestionID(raw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		want, ok := key[id]
		if !ok {
			continue
		}
		scorable++
		if got, ok := given[id]; ok && got == want {
			correct++
		}
	}

	if scorable == 0 {
		return 0
	}
	return correct * 100 / scorable
}

// Details lists each session question with the candidate's choice and the
// correct one. Questions missing from the catalog are left out.
func Details(questionIDs []string, catalog map[string]*model.Question, answers map[string]int) []model.ResultDetail {
	given := canonicalize(answers)
	details := make([]model.ResultDetail, 0, len(questionIDs))

	for _, raw := range questionIDs {
		id := model.CanonicalQuestionID(raw)
		q, ok := catalog[id]
		if !ok {
			continue
		}

		d := model.ResultDetail{
			QuestionID:   id,
			Question:     q.Text,
			Choices:      q.Choices,
			CorrectIndex: q.AnswerIndex,
		}
		if got, ok := given[id]; ok {
			sel := got
			d.Selected = &sel
			d.IsCorrect = got == q.AnswerIndex
		}
		details = append(details, d)
	}

	return details
}

func canonicalize(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[model.CanonicalQuestionID(k)] = v
	}
	return out
}
