package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Customer struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;index:ix_customers_org,priority:1"`
	Env   string       `gorm:"type:text;not null;default:live;index:ix_customers_org,priority:2"`

	Name     string `gorm:"type:text;not null"`
	Email    string `gorm:"type:text;not null"`
	Currency string `gorm:"type:text;not null;default:USD"`

	// ProcessorCustomerID is set lazily on the first paid attach.
	ProcessorCustomerID *string `gorm:"column:processor_customer_id;type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Customer) TableName() string { return "customers" }

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Customer, error)
	FindByProcessorID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, processorID string) (*Customer, error)
	// FindByProcessorIDAny resolves a processor customer id without an org
	// scope, for webhook payloads that carry no metadata.
	FindByProcessorIDAny(ctx context.Context, db *gorm.DB, processorID string) (*Customer, error)
	Update(ctx context.Context, db *gorm.DB, customer *Customer) error
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	Get(ctx context.Context, id string) (*Response, error)
}

type CreateRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Currency string `json:"currency"`
}

type Response struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Email               string    `json:"email"`
	Currency            string    `json:"currency"`
	ProcessorCustomerID *string   `json:"processor_customer_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidID           = errors.New("invalid_id")
	ErrNotFound            = errors.New("not_found")
)
