package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrorDump is the structured view of an error chain that gets logged with
// failed requests and jobs.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Retryable  bool     `json:"retryable"`
	Chain      []string `json:"chain,omitempty"`

	// GatewayKind is set when a payment processor failure is in the chain.
	GatewayKind string `json:"gateway_kind,omitempty"`

	DB dbDetails `json:"db,omitempty"`
}

type dbDetails struct {
	Driver     string `json:"driver,omitempty"`
	Code       string `json:"code,omitempty"`
	Constraint string `json:"constraint,omitempty"`
	Table      string `json:"table,omitempty"`
	Column     string `json:"column,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Message    string `json:"message,omitempty"`
}

type gatewayFailure interface {
	GatewayKind() string
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{
		TopMessage: err.Error(),
		Retryable:  Retryable(err),
	}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	var gw gatewayFailure
	if errors.As(err, &gw) {
		d.GatewayKind = gw.GatewayKind()
	}
	d.DB = dbDetailsOf(err)
	return d
}

func dbDetailsOf(err error) dbDetails {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return dbDetails{
			Driver:     "pgx",
			Code:       pgxErr.Code,
			Constraint: pgxErr.ConstraintName,
			Table:      pgxErr.TableName,
			Column:     pgxErr.ColumnName,
			Detail:     pgxErr.Detail,
			Message:    pgxErr.Message,
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return dbDetails{
			Driver:     "pq",
			Code:       string(pqErr.Code),
			Constraint: pqErr.Constraint,
			Table:      pqErr.Table,
			Column:     pqErr.Column,
			Detail:     pqErr.Detail,
			Message:    pqErr.Message,
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return dbDetails{
			Driver:  "sqlite3",
			Code:    fmt.Sprintf("%d", int(liteErr.ExtendedCode)),
			Message: liteErr.Error(),
		}
	}
	return dbDetails{}
}

// Fields flattens the dump into log fields, skipping empty attributes.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{
		"error":       d.TopMessage,
		"error_chain": d.Chain,
		"retryable":   d.Retryable,
	}
	if d.Code != "" {
		fields["error_code"] = d.Code
	}
	if d.GatewayKind != "" {
		fields["gateway_failure"] = d.GatewayKind
	}
	for key, value := range map[string]string{
		"db_driver":     d.DB.Driver,
		"db_code":       d.DB.Code,
		"db_constraint": d.DB.Constraint,
		"db_table":      d.DB.Table,
		"db_column":     d.DB.Column,
		"db_detail":     d.DB.Detail,
		"db_message":    d.DB.Message,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	return fields
}
