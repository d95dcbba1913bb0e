package zgraph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Sentinel errors. Every typed error below reports errors.Is against the
// matching sentinel so callers can branch without type assertions.
var (
	// ErrUnknownEntity is returned when an entity name is not registered.
	ErrUnknownEntity = errors.New("zgraph: unknown entity")

	// ErrUnknownRelation is returned when a relation name is not declared on an entity.
	ErrUnknownRelation = errors.New("zgraph: unknown relation")

	// ErrUnknownModifier is returned when a graph expression names a modifier the entity lacks.
	ErrUnknownModifier = errors.New("zgraph: unknown modifier")

	// ErrInvalidRelation is returned when a relation descriptor cannot be resolved.
	ErrInvalidRelation = errors.New("zgraph: invalid relation")

	// ErrRegistryFrozen is returned when registering after the registry was frozen.
	ErrRegistryFrozen = errors.New("zgraph: registry is frozen")

	// ErrRelationNotAllowed is returned when a graph expression exceeds the allow-list.
	ErrRelationNotAllowed = errors.New("zgraph: relation not allowed")

	// ErrExpressionSyntax is returned for malformed graph expressions.
	ErrExpressionSyntax = errors.New("zgraph: graph expression syntax error")

	// ErrCyclicGraph is returned when write dependencies form a cycle.
	ErrCyclicGraph = errors.New("zgraph: cyclic graph")

	// ErrDanglingReference is returned when #ref or #dbRef cannot be resolved.
	ErrDanglingReference = errors.New("zgraph: dangling reference")

	// ErrDuplicateID is returned when two nodes in one input graph share an #id.
	ErrDuplicateID = errors.New("zgraph: duplicate #id")

	// ErrModelNotFound is returned when a required row does not exist.
	ErrModelNotFound = errors.New("zgraph: model not found")

	// ErrNotRelated is returned when an upsert names a related row by
	// identity that is not related to its owner and Relate does not apply.
	ErrNotRelated = errors.New("zgraph: model is not related")

	// ErrValidation is returned when a validator rejects a node.
	ErrValidation = errors.New("zgraph: validation failed")

	// ErrCancel is returned by a before hook to veto the operation.
	ErrCancel = errors.New("zgraph: operation cancelled")

	// ErrTxAborted is returned when committing a transaction a graph operation failed in.
	ErrTxAborted = errors.New("zgraph: transaction aborted")

	// ErrUnsupported is returned for option combinations the engine cannot honour.
	ErrUnsupported = errors.New("zgraph: unsupported operation")

	// ErrDB is the root of every database error.
	ErrDB = errors.New("zgraph: database error")

	// ErrConstraintViolation is the root of every constraint error.
	ErrConstraintViolation = errors.New("zgraph: constraint violation")

	ErrUniqueViolation     = errors.New("zgraph: unique violation")
	ErrForeignKeyViolation = errors.New("zgraph: foreign key violation")
	ErrNotNullViolation    = errors.New("zgraph: not null violation")
	ErrCheckViolation      = errors.New("zgraph: check violation")
	ErrDataError           = errors.New("zgraph: data error")
)

// UnknownEntityError reports a lookup of an unregistered entity.
type UnknownEntityError struct {
	Entity   string
	Referrer string // "Owner.relation" when the lookup came from a relation target
}

func (e *UnknownEntityError) Error() string {
	if e.Referrer != "" {
		return fmt.Sprintf("zgraph: unknown entity %q (referenced by %s)", e.Entity, e.Referrer)
	}
	return fmt.Sprintf("zgraph: unknown entity %q", e.Entity)
}

func (e *UnknownEntityError) Is(target error) bool { return target == ErrUnknownEntity }

// UnknownRelationError reports a relation name the entity does not declare.
type UnknownRelationError struct {
	Entity   string
	Relation string
	Path     string
}

func (e *UnknownRelationError) Error() string {
	if e.Path != "" && e.Path != e.Relation {
		return fmt.Sprintf("zgraph: unknown relation %q on %s (path %s)", e.Relation, e.Entity, e.Path)
	}
	return fmt.Sprintf("zgraph: unknown relation %q on %s", e.Relation, e.Entity)
}

func (e *UnknownRelationError) Is(target error) bool { return target == ErrUnknownRelation }

// UnknownModifierError reports a named modifier the entity does not declare.
type UnknownModifierError struct {
	Entity   string
	Modifier string
}

func (e *UnknownModifierError) Error() string {
	return fmt.Sprintf("zgraph: unknown modifier %q on %s", e.Modifier, e.Entity)
}

func (e *UnknownModifierError) Is(target error) bool { return target == ErrUnknownModifier }

// RelationError wraps a relation resolution failure with context.
type RelationError struct {
	Entity   string
	Relation string
	Err      error
}

func (e *RelationError) Error() string {
	return fmt.Sprintf("zgraph: relation '%s' error on entity %s: %v", e.Relation, e.Entity, e.Err)
}

func (e *RelationError) Unwrap() error {
	return e.Err
}

// RelationNotAllowedError names the first path outside the allow-list.
type RelationNotAllowedError struct {
	Path string
}

func (e *RelationNotAllowedError) Error() string {
	return fmt.Sprintf("zgraph: relation %s is not allowed", e.Path)
}

func (e *RelationNotAllowedError) Is(target error) bool { return target == ErrRelationNotAllowed }

// GraphExpressionSyntaxError reports a parse failure at a byte offset.
type GraphExpressionSyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *GraphExpressionSyntaxError) Error() string {
	return fmt.Sprintf("zgraph: invalid graph expression %q at %d: %s", e.Expr, e.Pos, e.Msg)
}

func (e *GraphExpressionSyntaxError) Is(target error) bool { return target == ErrExpressionSyntax }

// CyclicGraphError lists the nodes left unordered by the dependency sort.
type CyclicGraphError struct {
	Nodes []string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("zgraph: graph has a dependency cycle between %s", strings.Join(e.Nodes, ", "))
}

func (e *CyclicGraphError) Is(target error) bool { return target == ErrCyclicGraph }

// DanglingReferenceError reports a #ref to an undeclared #id, or a #dbRef
// whose row could not be found.
type DanglingReferenceError struct {
	Ref    string
	DBRef  Key
	Entity string
}

func (e *DanglingReferenceError) Error() string {
	if e.DBRef != nil {
		return fmt.Sprintf("zgraph: #dbRef %v does not exist in %s", []any(e.DBRef), e.Entity)
	}
	if e.Entity != "" {
		return fmt.Sprintf("zgraph: #ref %q does not resolve to a %s node", e.Ref, e.Entity)
	}
	return fmt.Sprintf("zgraph: #ref %q does not resolve to any #id", e.Ref)
}

func (e *DanglingReferenceError) Is(target error) bool { return target == ErrDanglingReference }

// DuplicateIDError reports an #id declared more than once.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("zgraph: #id %q is declared more than once", e.ID)
}

func (e *DuplicateIDError) Is(target error) bool { return target == ErrDuplicateID }

// ModelNotFoundError reports a missing row by identity.
type ModelNotFoundError struct {
	Entity string
	Key    Key
}

func (e *ModelNotFoundError) Error() string {
	if e.Key == nil {
		return fmt.Sprintf("zgraph: %s not found", e.Entity)
	}
	return fmt.Sprintf("zgraph: %s %v not found", e.Entity, []any(e.Key))
}

func (e *ModelNotFoundError) Is(target error) bool { return target == ErrModelNotFound }

// NotRelatedError reports an upsert child that carries an identity the
// owner is not related to. It matches ErrNotRelated and ErrModelNotFound.
type NotRelatedError struct {
	Entity string
	Path   string
	Key    Key
}

func (e *NotRelatedError) Error() string {
	return fmt.Sprintf("zgraph: %s %v at %s is not related to its owner; use Relate(%q) to relate it", e.Entity, []any(e.Key), e.Path, e.Path)
}

func (e *NotRelatedError) Is(target error) bool {
	return target == ErrNotRelated || target == ErrModelNotFound
}

// ValidationError collects per-field validation messages.
type ValidationError struct {
	Entity string
	Fields map[string][]string
}

// Add records a message for field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// HasErrors reports whether any field message was recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(e.Fields[f], "; "))
	}
	return fmt.Sprintf("zgraph: validation failed for %s: %s", e.Entity, strings.Join(parts, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CancelledError reports an insert vetoed by a before hook.
type CancelledError struct {
	Entity string
	Op     Operation
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("zgraph: %s of %s cancelled by hook", e.Op, e.Entity)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancel }

// DBError wraps database errors with query context for better debugging.
type DBError struct {
	Operation string // SELECT, INSERT, UPDATE, DELETE
	Query     string
	Args      []any
	Err       error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("zgraph: %s failed: %v\nQuery: %s\nArgs: %s",
		e.Operation, e.Err, e.Query, formatArgs(e.Args))
}

func (e *DBError) Unwrap() error {
	return e.Err
}

func (e *DBError) Is(target error) bool { return target == ErrDB }

// ConstraintViolationError is a DBError caused by an integrity constraint.
// Table, Column and Constraint are filled when the driver reports them.
type ConstraintViolationError struct {
	*DBError
	Table      string
	Column     string
	Constraint string
}

func (e *ConstraintViolationError) Is(target error) bool {
	return target == ErrConstraintViolation || target == ErrDB
}

func (e *ConstraintViolationError) As(target any) bool {
	if p, ok := target.(**DBError); ok {
		*p = e.DBError
		return true
	}
	return false
}

// UniqueViolationError reports a unique or primary key conflict.
type UniqueViolationError struct {
	*ConstraintViolationError
}

func (e *UniqueViolationError) Is(target error) bool {
	return target == ErrUniqueViolation || e.ConstraintViolationError.Is(target)
}

func (e *UniqueViolationError) As(target any) bool { return asConstraint(e.ConstraintViolationError, target) }

// ForeignKeyViolationError reports a missing or still-referenced parent row.
type ForeignKeyViolationError struct {
	*ConstraintViolationError
}

func (e *ForeignKeyViolationError) Is(target error) bool {
	return target == ErrForeignKeyViolation || e.ConstraintViolationError.Is(target)
}

func (e *ForeignKeyViolationError) As(target any) bool {
	return asConstraint(e.ConstraintViolationError, target)
}

// NotNullViolationError reports a NULL written to a NOT NULL column.
type NotNullViolationError struct {
	*ConstraintViolationError
}

func (e *NotNullViolationError) Is(target error) bool {
	return target == ErrNotNullViolation || e.ConstraintViolationError.Is(target)
}

func (e *NotNullViolationError) As(target any) bool { return asConstraint(e.ConstraintViolationError, target) }

// CheckViolationError reports a failed CHECK constraint.
type CheckViolationError struct {
	*ConstraintViolationError
}

func (e *CheckViolationError) Is(target error) bool {
	return target == ErrCheckViolation || e.ConstraintViolationError.Is(target)
}

func (e *CheckViolationError) As(target any) bool { return asConstraint(e.ConstraintViolationError, target) }

func asConstraint(c *ConstraintViolationError, target any) bool {
	if p, ok := target.(**ConstraintViolationError); ok {
		*p = c
		return true
	}
	return c.As(target)
}

// DataError reports a value the database could not store: overflow,
// truncation or a type mismatch.
type DataError struct {
	*DBError
	Column string
}

func (e *DataError) Is(target error) bool {
	return target == ErrDataError || target == ErrDB
}

func (e *DataError) As(target any) bool {
	if p, ok := target.(**DBError); ok {
		*p = e.DBError
		return true
	}
	return false
}

type violationKind int

const (
	violationNone violationKind = iota
	violationConstraint
	violationUnique
	violationForeignKey
	violationNotNull
	violationCheck
	violationData
)

type violation struct {
	kind       violationKind
	table      string
	column     string
	constraint string
}

// wrapDBError classifies a driver error into the DBError family.
func wrapDBError(operation, query string, args []any, err error) error {
	if err == nil {
		return nil
	}

	base := &DBError{Operation: operation, Query: query, Args: args, Err: err}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return base
	}

	v := classify(err)
	cv := &ConstraintViolationError{DBError: base, Table: v.table, Column: v.column, Constraint: v.constraint}
	switch v.kind {
	case violationUnique:
		return &UniqueViolationError{cv}
	case violationForeignKey:
		return &ForeignKeyViolationError{cv}
	case violationNotNull:
		return &NotNullViolationError{cv}
	case violationCheck:
		return &CheckViolationError{cv}
	case violationConstraint:
		return cv
	case violationData:
		return &DataError{DBError: base, Column: v.column}
	}
	return base
}

// classify inspects the typed errors of the bundled drivers first and only
// falls back to message matching for drivers it does not know.
func classify(err error) violation {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(pgErr)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return classifyMySQL(myErr)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return classifySQLite(liteErr)
	}

	return classifyMessage(err.Error())
}

func classifyPostgres(e *pgconn.PgError) violation {
	v := violation{table: e.TableName, column: e.ColumnName, constraint: e.ConstraintName}
	switch {
	case e.Code == "23505":
		v.kind = violationUnique
	case e.Code == "23503":
		v.kind = violationForeignKey
	case e.Code == "23502":
		v.kind = violationNotNull
	case e.Code == "23514":
		v.kind = violationCheck
	case strings.HasPrefix(e.Code, "23"):
		v.kind = violationConstraint
	case strings.HasPrefix(e.Code, "22"):
		v.kind = violationData
	}
	return v
}

var (
	mysqlKeyPattern        = regexp.MustCompile("for key '([^']+)'")
	mysqlConstraintPattern = regexp.MustCompile("CONSTRAINT `([^`]+)`")
	mysqlColumnPattern     = regexp.MustCompile("[Cc]olumn '([^']+)'")
)

func classifyMySQL(e *mysql.MySQLError) violation {
	var v violation
	if m := mysqlColumnPattern.FindStringSubmatch(e.Message); m != nil {
		v.column = m[1]
	}

	switch e.Number {
	case 1062, 1586:
		v.kind = violationUnique
		if m := mysqlKeyPattern.FindStringSubmatch(e.Message); m != nil {
			v.constraint = m[1]
			if table, name, ok := strings.Cut(m[1], "."); ok {
				v.table, v.constraint = table, name
			}
		}
	case 1216, 1217, 1451, 1452:
		v.kind = violationForeignKey
		if m := mysqlConstraintPattern.FindStringSubmatch(e.Message); m != nil {
			v.constraint = m[1]
		}
	case 1048, 1364:
		v.kind = violationNotNull
	case 3819:
		v.kind = violationCheck
		if m := mysqlConstraintPattern.FindStringSubmatch(e.Message); m != nil {
			v.constraint = m[1]
		}
	case 1264, 1265, 1292, 1366, 1406:
		v.kind = violationData
	}
	return v
}

func classifySQLite(e sqlite3.Error) violation {
	v := violation{}
	msg := e.Error()
	if _, cols, ok := strings.Cut(msg, "constraint failed: "); ok {
		first, _, _ := strings.Cut(cols, ",")
		if table, column, ok := strings.Cut(strings.TrimSpace(first), "."); ok {
			v.table, v.column = table, column
		}
	}

	switch e.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		v.kind = violationUnique
		return v
	case sqlite3.ErrConstraintForeignKey:
		v.kind = violationForeignKey
		return v
	case sqlite3.ErrConstraintNotNull:
		v.kind = violationNotNull
		return v
	case sqlite3.ErrConstraintCheck:
		v.kind = violationCheck
		if _, name, ok := strings.Cut(msg, "CHECK constraint failed: "); ok {
			v.constraint = strings.TrimSpace(name)
			v.table, v.column = "", ""
		}
		return v
	}

	switch e.Code {
	case sqlite3.ErrConstraint:
		v.kind = violationConstraint
	case sqlite3.ErrMismatch, sqlite3.ErrRange, sqlite3.ErrTooBig:
		v.kind = violationData
	}
	return v
}

func classifyMessage(msg string) violation {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "duplicate key", "unique constraint", "duplicate entry"):
		return violation{kind: violationUnique}
	case containsAny(lower, "foreign key"):
		return violation{kind: violationForeignKey}
	case containsAny(lower, "not null", "cannot be null"):
		return violation{kind: violationNotNull}
	case containsAny(lower, "check constraint"):
		return violation{kind: violationCheck}
	case containsAny(lower, "constraint"):
		return violation{kind: violationConstraint}
	case containsAny(lower, "out of range", "invalid input syntax", "value too long", "data too long"):
		return violation{kind: violationData}
	}
	return violation{}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err means a required row was missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}

// IsConstraintViolation reports whether err is any constraint violation.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// IsUniqueViolation reports whether err is a unique or primary key conflict.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation)
}

// IsForeignKeyViolation reports whether err is a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	return errors.Is(err, ErrForeignKeyViolation)
}

// IsNotNullViolation reports whether err is a NOT NULL violation.
func IsNotNullViolation(err error) bool {
	return errors.Is(err, ErrNotNullViolation)
}

// IsCheckViolation reports whether err is a CHECK violation.
func IsCheckViolation(err error) bool {
	return errors.Is(err, ErrCheckViolation)
}

// IsDataError reports whether err is a value the database rejected.
func IsDataError(err error) bool {
	return errors.Is(err, ErrDataError)
}

// IsDBError reports whether err came from the database.
func IsDBError(err error) bool {
	return errors.Is(err, ErrDB)
}

// formatArgs formats query arguments for error messages
func formatArgs(args []any) string {
	if len(args) == 0 {
		return "[]"
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprintf("%v", arg)
	}

	// Limit output length
	result := "[" + strings.Join(parts, ", ") + "]"
	if len(result) > 200 {
		return result[:197] + "...]"
	}
	return result
}
