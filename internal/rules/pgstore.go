package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bonjourjohn/gatekeeper/internal/platform/httpx"
)

// PGStore implements Store on PostgreSQL. The original rules lived in a
// document store; the array operators on the except column give the same
// add/remove/membership semantics.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL backed rule store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Insert stores a new rule, assigning an id when missing.
func (s *PGStore) Insert(ctx context.Context, rule Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	roleID, userID := subjectColumns(rule.Subject)
	except := rule.Except
	if except == nil {
		except = []uuid.UUID{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO permission_rules (id, role_id, user_id, resource_type, verb, allowed, except_ids)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rule.ID, roleID, userID, rule.ResourceType, rule.Verb, rule.Allowed, except)
	return classify("insert", err)
}

// DeleteMany removes every rule matching the filter and reports the count.
func (s *PGStore) DeleteMany(ctx context.Context, filter Filter) (int64, error) {
	where, args := buildWhere(filter)
	tag, err := s.pool.Exec(ctx, `DELETE FROM permission_rules WHERE `+where, args...)
	if err != nil {
		return 0, classify("delete many", err)
	}
	return tag.RowsAffected(), nil
}

// FindOne returns a single rule matching the filter, if any.
func (s *PGStore) FindOne(ctx context.Context, filter Filter) (Rule, bool, error) {
	where, args := buildWhere(filter)
	row := s.pool.QueryRow(ctx,
		`SELECT id, role_id, user_id, resource_type, verb, allowed, except_ids
		 FROM permission_rules WHERE `+where+` LIMIT 1`, args...)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rule{}, false, nil
		}
		return Rule{}, false, classify("find one", err)
	}
	return rule, true, nil
}

// FindOneAndUpdate updates one matching rule in place, or creates it from
// the filter's equality fields when upsert is requested. The two steps
// are not atomic, matching the single-document guarantees of the
// original store; the mutation engine's procedures stay idempotent under
// the resulting races.
func (s *PGStore) FindOneAndUpdate(ctx context.Context, filter Filter, update Update, upsert bool) error {
	where, args := buildWhere(filter)
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM permission_rules WHERE `+where+` LIMIT 1`, args...).Scan(&id)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return classify("find one and update", err)
		}
		if !upsert {
			return nil
		}
		return s.insertFromFilter(ctx, filter, update)
	}

	sets, setArgs := buildUpdate(update)
	if len(sets) == 0 {
		return nil
	}
	setArgs = append(setArgs, id)
	query := fmt.Sprintf(`UPDATE permission_rules SET %s WHERE id = $%d`,
		strings.Join(sets, ", "), len(setArgs))
	_, err = s.pool.Exec(ctx, query, setArgs...)
	return classify("find one and update", err)
}

// GrantedByRoles aggregates allowed role rules grouped by resource type.
func (s *PGStore) GrantedByRoles(ctx context.Context, roleIDs []uuid.UUID, resourceType string) ([]Group, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query := `SELECT resource_type, array_agg(DISTINCT verb)
		 FROM permission_rules
		 WHERE role_id = ANY($1) AND allowed`
	args := []any{roleIDs}
	if resourceType != "" {
		query += ` AND resource_type = $2`
		args = append(args, resourceType)
	}
	query += ` GROUP BY resource_type`
	return s.queryGroups(ctx, "granted by roles", query, args)
}

// ByUser aggregates user rules by effective polarity. With an instance
// id the match is: base polarity equals wantGranted and the instance is
// not excepted, or base polarity is the inverse and the instance is
// excepted.
func (s *PGStore) ByUser(ctx context.Context, userID uuid.UUID, wantGranted bool, resourceType string, instanceID uuid.UUID) ([]Group, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT resource_type, array_agg(DISTINCT verb)
		 FROM permission_rules WHERE user_id = $1`)
	args := []any{userID}
	if resourceType != "" {
		args = append(args, resourceType)
		fmt.Fprintf(&sb, ` AND resource_type = $%d`, len(args))
	}
	if instanceID != uuid.Nil {
		args = append(args, wantGranted, instanceID)
		fmt.Fprintf(&sb,
			` AND ((allowed = $%[1]d AND NOT (except_ids @> ARRAY[$%[2]d]::uuid[]))
			   OR (allowed <> $%[1]d AND except_ids @> ARRAY[$%[2]d]::uuid[]))`,
			len(args)-1, len(args))
	} else {
		args = append(args, wantGranted)
		fmt.Fprintf(&sb, ` AND allowed = $%d`, len(args))
	}
	sb.WriteString(` GROUP BY resource_type`)
	return s.queryGroups(ctx, "by user", sb.String(), args)
}

func (s *PGStore) queryGroups(ctx context.Context, op, query string, args []any) ([]Group, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ResourceType, &group.Verbs); err != nil {
			return nil, classify(op, err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return groups, nil
}

func (s *PGStore) insertFromFilter(ctx context.Context, filter Filter, update Update) error {
	if filter.Subject == nil || filter.ResourceType == "" || filter.Verb == "" {
		return fmt.Errorf("rules: upsert requires subject, resource type and verb")
	}
	rule := Rule{
		Subject:      *filter.Subject,
		ResourceType: filter.ResourceType,
		Verb:         filter.Verb,
	}
	if filter.Allowed != nil {
		rule.Allowed = *filter.Allowed
	}
	if update.SetAllowed != nil {
		rule.Allowed = *update.SetAllowed
	}
	if update.AddException != nil {
		rule.Except = []uuid.UUID{*update.AddException}
	}
	return s.Insert(ctx, rule)
}

func subjectColumns(subject Subject) (roleID, userID *uuid.UUID) {
	switch subject.Kind {
	case SubjectRole:
		roleID = &subject.ID
	case SubjectUser:
		userID = &subject.ID
	}
	return roleID, userID
}

func buildWhere(filter Filter) (string, []any) {
	var clauses []string
	var args []any
	arg := func(v any) int {
		args = append(args, v)
		return len(args)
	}
	if filter.Subject != nil {
		column := "user_id"
		if filter.Subject.Kind == SubjectRole {
			column = "role_id"
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, arg(filter.Subject.ID)))
	}
	if filter.ResourceType != "" {
		clauses = append(clauses, fmt.Sprintf("resource_type = $%d", arg(filter.ResourceType)))
	}
	if filter.Verb != "" {
		clauses = append(clauses, fmt.Sprintf("verb = $%d", arg(filter.Verb)))
	}
	if len(filter.Verbs) > 0 {
		clauses = append(clauses, fmt.Sprintf("verb = ANY($%d)", arg(filter.Verbs)))
	}
	if filter.Allowed != nil {
		clauses = append(clauses, fmt.Sprintf("allowed = $%d", arg(*filter.Allowed)))
	}
	if filter.HasExceptions != nil {
		if *filter.HasExceptions {
			clauses = append(clauses, "cardinality(except_ids) > 0")
		} else {
			clauses = append(clauses, "cardinality(except_ids) = 0")
		}
	}
	if filter.ExceptionID != nil {
		clauses = append(clauses, fmt.Sprintf("except_ids @> ARRAY[$%d]::uuid[]", arg(*filter.ExceptionID)))
	}
	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return strings.Join(clauses, " AND "), args
}

func buildUpdate(update Update) ([]string, []any) {
	var sets []string
	var args []any
	arg := func(v any) int {
		args = append(args, v)
		return len(args)
	}
	if update.SetAllowed != nil {
		sets = append(sets, fmt.Sprintf("allowed = $%d", arg(*update.SetAllowed)))
	}
	if update.AddException != nil {
		n := arg(*update.AddException)
		sets = append(sets, fmt.Sprintf(
			"except_ids = CASE WHEN except_ids @> ARRAY[$%[1]d]::uuid[] THEN except_ids ELSE array_append(except_ids, $%[1]d) END", n))
	}
	if update.RemoveException != nil {
		sets = append(sets, fmt.Sprintf("except_ids = array_remove(except_ids, $%d)", arg(*update.RemoveException)))
	}
	if update.ClearExceptions {
		sets = append(sets, "except_ids = '{}'::uuid[]")
	}
	return sets, args
}

func scanRule(row pgx.Row) (Rule, error) {
	var (
		rule   Rule
		roleID *uuid.UUID
		userID *uuid.UUID
	)
	if err := row.Scan(&rule.ID, &roleID, &userID, &rule.ResourceType, &rule.Verb, &rule.Allowed, &rule.Except); err != nil {
		return Rule{}, err
	}
	switch {
	case roleID != nil:
		rule.Subject = RoleSubject(*roleID)
	case userID != nil:
		rule.Subject = UserSubject(*userID)
	}
	return rule, nil
}

// classify wraps adapter-level failures as retryable ErrUnavailable.
// Query shape errors and context cancellation pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("rules: %s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Connection exceptions, insufficient resources, operator
		// intervention: the caller may retry the whole procedure.
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return fmt.Errorf("rules: %s: %w: %s", op, httpx.ErrUnavailable, pgErr.Message)
		}
		return fmt.Errorf("rules: %s: %w", op, err)
	}
	// Anything else from the driver is a connectivity-level failure.
	return fmt.Errorf("rules: %s: %w: %v", op, httpx.ErrUnavailable, err)
}
