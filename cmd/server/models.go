package main

import (
	"time"

	"github.com/liamcoop/gamification/engine"
	"github.com/liamcoop/gamification/executionlog"
	"github.com/liamcoop/gamification/rules"
	"github.com/liamcoop/gamification/schema"
)

// API request and response models

// RuleRequest is the body for creating or replacing a rule
type RuleRequest struct {
	Name                string            `json:"name" example:"Attend a training"`
	Description         string            `json:"description"`
	SourceEntity        string            `json:"sourceEntity" example:"Event"`
	Logic               rules.Logic       `json:"logic" example:"AND"`
	Conditions          []rules.Condition `json:"conditions"`
	Actions             []rules.Action    `json:"actions"`
	CooldownHours       int               `json:"cooldownHours" example:"24"`
	MaxTriggersPerMonth *int              `json:"maxTriggersPerMonth,omitempty" example:"3"`
	IsActive            *bool             `json:"isActive,omitempty" example:"true"`
	Priority            int               `json:"priority"`
	Scope               rules.Scope       `json:"scope" example:"global"`
	TeamID              string            `json:"teamId,omitempty"`
}

// toRule builds a rule from the request. New rules are active unless the
// request says otherwise.
func (req RuleRequest) toRule(id string) *rules.Rule {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &rules.Rule{
		ID:                  id,
		Name:                req.Name,
		Description:         req.Description,
		SourceEntity:        req.SourceEntity,
		Logic:               req.Logic,
		Conditions:          req.Conditions,
		Actions:             req.Actions,
		CooldownHours:       req.CooldownHours,
		MaxTriggersPerMonth: req.MaxTriggersPerMonth,
		IsActive:            active,
		Priority:            req.Priority,
		Scope:               req.Scope,
		TeamID:              req.TeamID,
	}
}

// RulesListResponse is the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// ProcessEventResponse wraps the engine report
type ProcessEventResponse struct {
	Report         *engine.Report `json:"report"`
	ProcessingTime string         `json:"processingTime" example:"2.3ms"`
}

// ExecutionsListResponse is the response for listing execution records
type ExecutionsListResponse struct {
	Executions []*rules.ExecutionRecord `json:"executions"`
	Count      int                      `json:"count"`
}

// RuleStatsResponse is the response for a rule's execution statistics
type RuleStatsResponse struct {
	*executionlog.RuleStats
	MonthStart time.Time `json:"monthStart"`
}

// SchemasListResponse is the response for listing source entities
type SchemasListResponse struct {
	Sources []schema.Source `json:"sources"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string   `json:"error" example:"invalid rule"`
	Details string   `json:"details,omitempty"`
	Issues  []string `json:"issues,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
	Error  string `json:"error,omitempty"`
}
