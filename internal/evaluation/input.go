package evaluation

import (
	"fmt"
	"sort"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmissionRef identifies the submission being graded.
type SubmissionRef struct {
	ID        uint `json:"id"`
	StudentID uint `json:"student_id"`
	ExamID    uint `json:"exam_id"`
}

// ExamRef identifies the exam the submission answers.
type ExamRef struct {
	ID    uint   `json:"id"`
	Title string `json:"title"`
}

// RubricItem is a weighted keypoint in the canonical input.
type RubricItem struct {
	Keypoint string  `json:"keypoint"`
	Weight   float64 `json:"weight"`
}

// QuestionInput is the grader-facing view of a question.
type QuestionInput struct {
	ID          uint         `json:"id"`
	Text        string       `json:"text"`
	ModelAnswer string       `json:"model_answer"`
	MaxScore    int          `json:"max_score"`
	Rubric      []RubricItem `json:"rubric"`
}

// AnswerInput is the grader-facing view of a student answer.
type AnswerInput struct {
	QuestionID    uint   `json:"question_id"`
	StudentAnswer string `json:"student_answer"`
	ImageRef      string `json:"image_ref,omitempty"`
}

// Input is the canonical, datastore-free payload handed to a grader.
type Input struct {
	Submission SubmissionRef   `json:"submission"`
	Exam       ExamRef         `json:"exam"`
	Questions  []QuestionInput `json:"questions"`
	Answers    []AnswerInput   `json:"answers"`
}

// AnswerFor returns the student's answer for a question, or an empty answer.
func (in Input) AnswerFor(questionID uint) AnswerInput {
	for _, answer := range in.Answers {
		if answer.QuestionID == questionID {
			return answer
		}
	}
	return AnswerInput{QuestionID: questionID}
}

// MaxScore returns the sum of the question maxima.
func (in Input) MaxScore() float64 {
	var total float64
	for _, question := range in.Questions {
		total += float64(question.MaxScore)
	}
	return total
}

// BuildInput converts stored records into the grader input and checks it is complete.
func BuildInput(submission *models.Submission, exam *models.Exam, questions []models.Question, answers []models.SubmissionAnswer) (Input, error) {
	if submission == nil {
		return Input{}, &ValidationError{Field: "submission", Reason: "is required"}
	}
	if exam == nil {
		return Input{}, &ValidationError{Field: "exam", Reason: "is required"}
	}
	if submission.ExamID != exam.ID {
		return Input{}, &ValidationError{Field: "submission.exam_id", Reason: fmt.Sprintf("submission %d belongs to exam %d, not %d", submission.ID, submission.ExamID, exam.ID)}
	}
	if len(questions) == 0 {
		return Input{}, &ValidationError{Field: "questions", Reason: "exam has no questions"}
	}

	known := make(map[uint]struct{}, len(questions))
	converted := make([]QuestionInput, 0, len(questions))
	for _, question := range questions {
		if _, dup := known[question.ID]; dup {
			return Input{}, &ValidationError{Field: "questions", Reason: fmt.Sprintf("question %d listed twice", question.ID)}
		}
		if question.ExamID != exam.ID {
			return Input{}, &ValidationError{Field: "questions", Reason: fmt.Sprintf("question %d belongs to exam %d", question.ID, question.ExamID)}
		}
		if question.MaxScore <= 0 {
			return Input{}, &ValidationError{Field: "questions", Reason: fmt.Sprintf("question %d has non-positive max score", question.ID)}
		}
		known[question.ID] = struct{}{}

		rubric := make([]RubricItem, 0, len(question.RubricKeypoints))
		for _, kp := range question.RubricKeypoints {
			rubric = append(rubric, RubricItem{Keypoint: kp.Text, Weight: kp.Weight})
		}

		converted = append(converted, QuestionInput{
			ID:          question.ID,
			Text:        question.Text,
			ModelAnswer: question.ModelAnswer,
			MaxScore:    question.MaxScore,
			Rubric:      rubric,
		})
	}
	sort.Slice(converted, func(i, j int) bool { return converted[i].ID < converted[j].ID })

	answered := make(map[uint]struct{}, len(answers))
	convertedAnswers := make([]AnswerInput, 0, len(answers))
	for _, answer := range answers {
		if _, ok := known[answer.QuestionID]; !ok {
			return Input{}, &ValidationError{Field: "answers", Reason: fmt.Sprintf("answer references unknown question %d", answer.QuestionID)}
		}
		if _, dup := answered[answer.QuestionID]; dup {
			return Input{}, &ValidationError{Field: "answers", Reason: fmt.Sprintf("question %d answered twice", answer.QuestionID)}
		}
		answered[answer.QuestionID] = struct{}{}

		convertedAnswers = append(convertedAnswers, AnswerInput{
			QuestionID:    answer.QuestionID,
			StudentAnswer: answer.StudentText,
			ImageRef:      answer.ImageRef,
		})
	}
	sort.Slice(convertedAnswers, func(i, j int) bool { return convertedAnswers[i].QuestionID < convertedAnswers[j].QuestionID })

	return Input{
		Submission: SubmissionRef{ID: submission.ID, StudentID: submission.StudentID, ExamID: submission.ExamID},
		Exam:       ExamRef{ID: exam.ID, Title: exam.Title},
		Questions:  converted,
		Answers:    convertedAnswers,
	}, nil
}
