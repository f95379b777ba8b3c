package api

import (
	"errors"
	"fmt"
	"strings"

	"agentrunner/internal/models"
)

type StartRunRequest struct {
	Message             string           `json:"message"`
	ConversationID      string           `json:"conversationId"`
	ModelName           string           `json:"modelName"`
	ThinkingLevel       string           `json:"thinkingLevel"`
	ConversationHistory []models.Message `json:"conversationHistory"`
}

func (s *StartRunRequest) validate() error {
	var errs []error

	s.Message = strings.TrimSpace(s.Message)
	if s.Message == "" {
		errs = append(errs, errors.New("message is empty"))
	}

	s.ThinkingLevel = strings.TrimSpace(s.ThinkingLevel)
	if s.ThinkingLevel != "" && s.ThinkingLevel != "high" && s.ThinkingLevel != "low" {
		errs = append(errs, errors.New("thinkingLevel must be high or low"))
	}

	for i, m := range s.ConversationHistory {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			errs = append(errs, fmt.Errorf("conversationHistory[%d] has unknown role %q", i, m.Role))
		}
	}

	return errors.Join(errs...)
}

type StartRunResponse struct {
	Success        bool             `json:"success"`
	RunID          string           `json:"runId"`
	ConversationID string           `json:"conversationId"`
	TaskID         string           `json:"taskId"`
	Status         models.RunStatus `json:"status"`
}

type CompleteWaitTokenRequest struct {
	TokenID  string `json:"tokenId"`
	Approved *bool  `json:"approved"`
	Reason   string `json:"reason"`
}

func (c *CompleteWaitTokenRequest) validate() error {
	var errs []error

	c.TokenID = strings.TrimSpace(c.TokenID)
	if c.TokenID == "" {
		errs = append(errs, errors.New("tokenId is empty"))
	}
	if c.Approved == nil {
		errs = append(errs, errors.New("approved is required"))
	}

	return errors.Join(errs...)
}

type CompleteWaitTokenResponse struct {
	Success bool   `json:"success"`
	TokenID string `json:"tokenId"`
}
