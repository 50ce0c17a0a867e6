// Package entity defines the canonical entity model synced to the registry.
package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the registry entity type.
type Kind string

const (
	KindAccount          Kind = "local"
	KindInstance         Kind = "instance"
	KindAutoScalingGroup Kind = "asg"
	KindLoadBalancer     Kind = "elb"
	KindDatabase         Kind = "database"
	KindPostgresDatabase Kind = "postgresql_database"
	KindDynamoDB         Kind = "dynamodb"
	KindQueue            Kind = "aws_sqs"
	KindElastiCache      Kind = "elc"
	KindCertificate      Kind = "certificate"
	KindLimits           Kind = "aws_limits"
	KindApplication      Kind = "application"

	// KindPostgresCluster entities are owned by another system; the agent
	// only reads them to discover databases.
	KindPostgresCluster Kind = "postgresql_cluster"
)

// CreatedByAgent marks entities owned by this agent.
const CreatedByAgent = "agent"

// Scope is the (infrastructure_account, region) pair a pass reconciles.
type Scope struct {
	Account string // e.g. "aws:123456789012"
	Region  string // e.g. "eu-central-1"
}

// NewScope builds a scope from a bare AWS account id.
func NewScope(accountID, region string) Scope {
	return Scope{Account: "aws:" + accountID, Region: region}
}

// Validate rejects scopes that would make the registry query unbounded.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.Account) == "" {
		return errors.New("scope: infrastructure account is required")
	}
	if strings.TrimSpace(s.Region) == "" {
		return errors.New("scope: region is required")
	}
	return nil
}

func (s Scope) String() string {
	return s.Account + ":" + s.Region
}

// Header is the identity and scope shared by every entity kind.
type Header struct {
	ID                    string `json:"id"`
	Type                  Kind   `json:"type"`
	CreatedBy             string `json:"created_by"`
	InfrastructureAccount string `json:"infrastructure_account"`
	Region                string `json:"region"`
}

// Attributes is the kind-specific part of an entity.
type Attributes interface {
	Kind() Kind
}

// Entity is one normalized record keyed by a stable id.
type Entity struct {
	Header
	Attrs Attributes

	// Extra holds configured key/value pairs merged into the wire record.
	Extra map[string]string
}

// New creates an agent-owned entity in scope. The id is sanitized.
func New(scope Scope, id string, attrs Attributes) Entity {
	return Entity{
		Header: Header{
			ID:                    ID(id),
			Type:                  attrs.Kind(),
			CreatedBy:             CreatedByAgent,
			InfrastructureAccount: scope.Account,
			Region:                scope.Region,
		},
		Attrs: attrs,
	}
}

// AgentOwned reports whether the agent manages this entity.
func (e Entity) AgentOwned() bool {
	return e.CreatedBy == CreatedByAgent
}

// InScope reports whether the entity belongs to the given scope.
func (e Entity) InScope(s Scope) bool {
	return e.InfrastructureAccount == s.Account && e.Region == s.Region
}

// WithExtra returns a copy carrying the given extra fields.
func (e Entity) WithExtra(extra map[string]string) Entity {
	if len(extra) == 0 {
		return e
	}
	merged := make(map[string]string, len(e.Extra)+len(extra))
	for k, v := range e.Extra {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	e.Extra = merged
	return e
}

func (e Entity) String() string {
	return fmt.Sprintf("%s(%s)", e.Type, e.ID)
}
