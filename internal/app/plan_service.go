package app

import (
	"errors"

	"paperchat/internal/model"
)

var ErrUserNotFound = errors.New("user not found")

// Plan caps what a user may ingest. Ceilings come from configuration; the
// user's subscription flag selects the tier.
type Plan struct {
	Name             string `json:"name"`
	PagesPerDocument int    `json:"pages_per_document"`
	IsSubscribed     bool   `json:"is_subscribed"`
}

// UserStore is the slice of the user repository the plan service needs.
type UserStore interface {
	GetByID(id uint) (*model.User, error)
}

type PlanService struct {
	users     UserStore
	freePages int
	proPages  int
}

func NewPlanService(users UserStore, freePages, proPages int) *PlanService {
	if freePages <= 0 {
		freePages = 5
	}
	if proPages <= 0 {
		proPages = 25
	}
	return &PlanService{
		users:     users,
		freePages: freePages,
		proPages:  proPages,
	}
}

func (s *PlanService) Resolve(userID uint) (Plan, error) {
	if userID == 0 {
		return Plan{}, ErrInvalidInput
	}
	user, err := s.users.GetByID(userID)
	if err != nil {
		return Plan{}, err
	}
	if user == nil {
		return Plan{}, ErrUserNotFound
	}
	if user.Subscribed {
		return Plan{Name: "pro", PagesPerDocument: s.proPages, IsSubscribed: true}, nil
	}
	return Plan{Name: "free", PagesPerDocument: s.freePages, IsSubscribed: false}, nil
}
