package domain

import (
	"context"
	"errors"
	"time"

	"github.com/meterline/meterline/pkg/db/pagination"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	List(ctx context.Context, req ListRequest) ([]Response, *pagination.PageInfo, error)
	Update(ctx context.Context, req UpdateRequest) (*Response, error)
	Archive(ctx context.Context, id string) (*Response, error)
}

type ListRequest struct {
	Code        string
	FeatureType *FeatureType
	Archived    *bool
	SortBy      string
	OrderBy     string
	Page        pagination.Pagination
}

type CreateRequest struct {
	Code            string       `json:"code"`
	Name            string       `json:"name"`
	FeatureType     FeatureType  `json:"feature_type"`
	AggregationType string       `json:"aggregation_type"`
	EventNames      []string     `json:"event_names"`
	GroupBy         *string      `json:"group_by"`
	CreditSchedule  []CreditRate `json:"credit_schedule"`
}

type UpdateRequest struct {
	ID             string       `json:"id"`
	Name           *string      `json:"name,omitempty"`
	EventNames     []string     `json:"event_names,omitempty"`
	CreditSchedule []CreditRate `json:"credit_schedule,omitempty"`
}

type Response struct {
	ID              string       `json:"id"`
	Code            string       `json:"code"`
	Name            string       `json:"name"`
	FeatureType     FeatureType  `json:"feature_type"`
	AggregationType string       `json:"aggregation_type"`
	EventNames      []string     `json:"event_names,omitempty"`
	GroupBy         *string      `json:"group_by,omitempty"`
	CreditSchedule  []CreditRate `json:"credit_schedule,omitempty"`
	Archived        bool         `json:"archived"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidCode           = errors.New("invalid_code")
	ErrInvalidName           = errors.New("invalid_name")
	ErrInvalidType           = errors.New("invalid_feature_type")
	ErrInvalidAggregation    = errors.New("invalid_aggregation_type")
	ErrInvalidCreditSchedule = errors.New("invalid_credit_schedule")
	ErrInvalidID             = errors.New("invalid_id")
	ErrCodeTaken             = errors.New("code_already_exists")
	ErrNotFound              = errors.New("not_found")
)
