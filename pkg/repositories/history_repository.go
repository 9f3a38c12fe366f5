package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wrangle-io/wrangle-engine/pkg/apperrors"
	"github.com/wrangle-io/wrangle-engine/pkg/database"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

// HistoryRepository provides data access for the transformation ledger.
type HistoryRepository interface {
	// Insert stores entry and sets its ID from the store's sequence.
	Insert(ctx context.Context, entry *models.HistoryEntry) error
	// InsertBackupMarker stores a backup marker of origin whose table name is its own sequence number.
	InsertBackupMarker(ctx context.Context, setID int64, origin string, date time.Time) (*models.HistoryEntry, error)
	Get(ctx context.Context, setID int64, id models.SequenceNumber) (*models.HistoryEntry, error)
	Delete(ctx context.Context, setID int64, id models.SequenceNumber) error
	// Backups returns up to limit backup markers of origin, newest first. limit <= 0 returns all.
	Backups(ctx context.Context, setID int64, origin string, limit int) ([]*models.HistoryEntry, error)
	CountBackups(ctx context.Context, setID int64, origin string) (int, error)
	// InPlaceSince returns entries that modified table in place (table_name = origin_table = table),
	// with type >= minType and id > after, oldest first.
	InPlaceSince(ctx context.Context, setID int64, table string, after models.SequenceNumber, minType models.TransformationType) ([]*models.HistoryEntry, error)
	// EdgeTransformation returns the MAX (last) or MIN id of the non-backup entries of table.
	EdgeTransformation(ctx context.Context, setID int64, table string, last bool) (*models.SequenceNumber, error)
	List(ctx context.Context, setID int64, filters models.HistoryFilters) ([]*models.HistoryEntry, int, error)
}

type historyRepository struct{}

func NewHistoryRepository() HistoryRepository {
	return &historyRepository{}
}

var _ HistoryRepository = (*historyRepository)(nil)

const historyColumns = `transformation_id, setid, table_name, origin_table, attribute,
	transformation_type, parameters, transformation_date`

func (r *historyRepository) Insert(ctx context.Context, entry *models.HistoryEntry) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}

	params := entry.Parameters
	if params == nil {
		params = []string{}
	}

	err = q.QueryRow(ctx, `
		INSERT INTO wrangle_history (
			setid, table_name, origin_table, attribute,
			transformation_type, parameters, transformation_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING transformation_id`,
		entry.SetID,
		entry.TableName,
		entry.OriginTable,
		entry.Attribute,
		int(entry.TransformationType),
		params,
		entry.TransformationDate,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

func (r *historyRepository) InsertBackupMarker(ctx context.Context, setID int64, origin string, date time.Time) (*models.HistoryEntry, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	// The id is drawn first so the marker can name the backup table after itself in one statement.
	row := q.QueryRow(ctx, `
		WITH seq AS (
			SELECT nextval(pg_get_serial_sequence('wrangle_history', 'transformation_id')) AS id
		)
		INSERT INTO wrangle_history (
			transformation_id, setid, table_name, origin_table, attribute,
			transformation_type, parameters, transformation_date
		)
		SELECT seq.id, $1, seq.id::text, $2, '', -1, '{}', $3 FROM seq
		RETURNING `+historyColumns,
		setID, origin, date)
	entry, err := scanHistoryEntry(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert backup marker: %w", err)
	}
	return entry, nil
}

func (r *historyRepository) Get(ctx context.Context, setID int64, id models.SequenceNumber) (*models.HistoryEntry, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}
	row := q.QueryRow(ctx, `SELECT `+historyColumns+` FROM wrangle_history
		WHERE setid = $1 AND transformation_id = $2`, setID, int64(id))
	entry, err := scanHistoryEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("history entry %d: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}
	return entry, nil
}

func (r *historyRepository) Delete(ctx context.Context, setID int64, id models.SequenceNumber) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `DELETE FROM wrangle_history WHERE setid = $1 AND transformation_id = $2`, setID, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete history entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history entry %d: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

func (r *historyRepository) Backups(ctx context.Context, setID int64, origin string, limit int) ([]*models.HistoryEntry, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + historyColumns + ` FROM wrangle_history
		WHERE setid = $1 AND origin_table = $2 AND transformation_type = -1
		ORDER BY transformation_id DESC`
	args := []any{setID, origin}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return queryHistory(ctx, q, query, args...)
}

func (r *historyRepository) CountBackups(ctx context.Context, setID int64, origin string) (int, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRow(ctx, `SELECT COUNT(*) FROM wrangle_history
		WHERE setid = $1 AND origin_table = $2 AND transformation_type = -1`, setID, origin).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count backups: %w", err)
	}
	return n, nil
}

func (r *historyRepository) InPlaceSince(ctx context.Context, setID int64, table string, after models.SequenceNumber, minType models.TransformationType) ([]*models.HistoryEntry, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}
	return queryHistory(ctx, q, `SELECT `+historyColumns+` FROM wrangle_history
		WHERE setid = $1 AND table_name = $2 AND origin_table = $2
		  AND transformation_type >= $3 AND transformation_id > $4
		ORDER BY transformation_id ASC`, setID, table, int(minType), int64(after))
}

func (r *historyRepository) EdgeTransformation(ctx context.Context, setID int64, table string, last bool) (*models.SequenceNumber, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}
	agg := "MIN"
	if last {
		agg = "MAX"
	}
	var id *int64
	err = q.QueryRow(ctx, `SELECT `+agg+`(transformation_id) FROM wrangle_history
		WHERE setid = $1 AND table_name = $2 AND origin_table = $2 AND transformation_type >= 0`,
		setID, table).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to read edge transformation: %w", err)
	}
	if id == nil {
		return nil, nil
	}
	seq := models.SequenceNumber(*id)
	return &seq, nil
}

func (r *historyRepository) List(ctx context.Context, setID int64, filters models.HistoryFilters) ([]*models.HistoryEntry, int, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, 0, err
	}

	conditions := []string{"setid = $1"}
	args := []any{setID}
	argIdx := 2

	if filters.Table != "" {
		conditions = append(conditions, fmt.Sprintf("(table_name = $%d OR origin_table = $%d)", argIdx, argIdx))
		args = append(args, filters.Table)
		argIdx++
	}
	if !filters.IncludeBackups {
		conditions = append(conditions, "transformation_type >= 0")
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM wrangle_history WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count history entries: %w", err)
	}

	direction := "DESC"
	if filters.Order == models.HistoryOrderAsc {
		direction = "ASC"
	}
	// transformation_date only breaks ties the sequence cannot, which never happens for committed rows.
	dataQuery := fmt.Sprintf(`SELECT %s FROM wrangle_history WHERE %s
		ORDER BY transformation_id %s, transformation_date %s
		LIMIT $%d OFFSET $%d`, historyColumns, where, direction, direction, argIdx, argIdx+1)
	args = append(args, filters.Limit, filters.Offset)

	entries, err := queryHistory(ctx, q, dataQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func queryHistory(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.HistoryEntry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return entries, nil
}

func scanHistoryEntry(row pgx.Row) (*models.HistoryEntry, error) {
	var e models.HistoryEntry
	var t int
	if err := row.Scan(&e.ID, &e.SetID, &e.TableName, &e.OriginTable, &e.Attribute,
		&t, &e.Parameters, &e.TransformationDate); err != nil {
		return nil, err
	}
	e.TransformationType = models.TransformationType(t)
	return &e, nil
}
