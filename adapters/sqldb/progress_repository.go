package sqldb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/query"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ProgressRepository derives the user-progress table from an events table with a
// query.Spec.
type ProgressRepository struct {
	db     *sqlx.DB
	spec   query.Spec
	logger *zap.Logger
}

// NewProgressRepository creates a progress repository
func NewProgressRepository(db *sqlx.DB, spec query.Spec, logger *zap.Logger) *ProgressRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressRepository{db: db, spec: spec, logger: logger}
}

// LoadProgress runs the progress query and materializes the table
func (r *ProgressRepository) LoadProgress(ctx context.Context) (*experiment.ProgressTable, error) {
	start := time.Now()
	sqlText, args, err := r.spec.Build()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(sqlText), args...)
	if err != nil {
		return nil, errors.WithCode(errors.CodeDatabaseError, fmt.Errorf("failed to query user progress: %w", err))
	}
	defer rows.Close()

	categories := r.spec.CategoryNames()
	steps := r.spec.StepNames()
	var progress []experiment.UserProgressRow
	for rows.Next() {
		values := make(map[string]interface{})
		if err := rows.MapScan(values); err != nil {
			return nil, errors.WithCode(errors.CodeDatabaseError, fmt.Errorf("failed to scan user progress: %w", err))
		}
		row, err := toProgressRow(values, categories, steps)
		if err != nil {
			return nil, err
		}
		progress = append(progress, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithCode(errors.CodeDatabaseError, fmt.Errorf("failed to read user progress: %w", err))
	}

	table, err := experiment.NewProgressTable(progress, steps)
	if err != nil {
		return nil, err
	}
	r.logger.Info("loaded user progress from database",
		zap.Int("units", table.Len()),
		zap.Strings("steps", steps),
		zap.Duration("elapsed", time.Since(start)))
	return table, nil
}

func toProgressRow(values map[string]interface{}, categories, steps []string) (experiment.UserProgressRow, error) {
	unitID := asString(values["unit_id"])
	variant := asString(values["variant"])
	group, ok := experiment.ParseAssignment(variant)
	if !ok {
		return experiment.UserProgressRow{}, errors.SchemaError(fmt.Sprintf("unit %q has unknown variant %q", unitID, variant))
	}

	row := experiment.UserProgressRow{
		UnitID:     unitID,
		Group:      group,
		Dimensions: make(map[string]string, len(categories)),
		Reached:    make(map[string]bool, len(steps)),
	}
	for _, name := range categories {
		row.Dimensions[name] = asString(values[name])
	}
	for _, step := range steps {
		reached, err := asBool(values[experiment.ReachColumn(step)])
		if err != nil {
			return experiment.UserProgressRow{}, errors.SchemaError(fmt.Sprintf("unit %q: %s: %v", unitID, experiment.ReachColumn(step), err))
		}
		row.Reached[step] = reached
	}
	return row, nil
}

// asString normalizes the scalar types drivers return for text-like columns.
func asString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func asBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case []byte, string:
		s := strings.TrimSpace(asString(x))
		if s == "" {
			return false, nil
		}
		if b, err := strconv.ParseBool(s); err == nil {
			return b, nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return false, fmt.Errorf("not a boolean: %q", s)
		}
		return n != 0, nil
	default:
		return false, fmt.Errorf("unsupported type %T", v)
	}
}
