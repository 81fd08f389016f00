// Package postgres implements the durable broadcast store using pgx/v5
// with raw SQL. Claims run in SERIALIZABLE transactions with bounded
// retries; state transitions are conditional UPDATEs; the schema ships as
// embedded SQL migrations.
package postgres
