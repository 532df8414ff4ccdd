package domain

type VerdictResult string

const (
	VerdictPass VerdictResult = "pass"
	VerdictWarn VerdictResult = "warn"
	VerdictFail VerdictResult = "fail"
)

type Violation struct {
	Rule     string `json:"rule"`
	Reason   string `json:"reason"`
	Blocking bool   `json:"blocking"`
}

type ValidationVerdict struct {
	Result     VerdictResult `json:"result"`
	Violations []Violation   `json:"violations"`
}

// NewVerdict aggregates violations: any blocking one fails, any other warns.
func NewVerdict(violations []Violation) ValidationVerdict {
	if violations == nil {
		violations = []Violation{}
	}
	result := VerdictPass
	for _, v := range violations {
		if v.Blocking {
			result = VerdictFail
			break
		}
		result = VerdictWarn
	}
	return ValidationVerdict{Result: result, Violations: violations}
}

func (v ValidationVerdict) FirstBlocking() (Violation, bool) {
	for _, violation := range v.Violations {
		if violation.Blocking {
			return violation, true
		}
	}
	return Violation{}, false
}

func (v ValidationVerdict) FirstWarning() (Violation, bool) {
	for _, violation := range v.Violations {
		if !violation.Blocking {
			return violation, true
		}
	}
	return Violation{}, false
}

type Decision string

const (
	DecisionAutoAccept     Decision = "auto_accept"
	DecisionHumanReview    Decision = "human_review"
	DecisionRejected       Decision = "rejected"
	DecisionReviewerAccept Decision = "reviewer_accept"
	DecisionReviewerReject Decision = "reviewer_reject"
)

type RoutingDecision struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// TerminalState maps a decision onto the state the document settles in.
func (d Decision) TerminalState() DocumentState {
	switch d {
	case DecisionAutoAccept, DecisionReviewerAccept:
		return StateAccepted
	case DecisionHumanReview:
		return StateInReview
	default:
		return StateRejected
	}
}
