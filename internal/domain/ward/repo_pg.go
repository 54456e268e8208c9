package ward

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/admissions/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore is the PostgreSQL resource store. Candidate units are locked with
// FOR UPDATE SKIP LOCKED and claimed with a conditional UPDATE; the unique
// constraint on patient.unit_id backs both.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const uniqueViolation = "23505"

// pgErr maps driver errors onto the store's error vocabulary.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == uniqueViolation {
		switch pe.ConstraintName {
		case "patient_unit_id_key":
			return fmt.Errorf("%s: unit already bound: %w", op, ErrNoCapacity)
		default:
			return fmt.Errorf("%s: %w: duplicate %s", op, ErrValidation, pe.ConstraintName)
		}
	}
	return storeErr(op, err)
}

func (s *PGStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	var inner error
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		inner = fn(&pgTx{q: tx})
		return inner
	})
	if inner != nil {
		return inner
	}
	return storeErr("transaction", err)
}

func (s *PGStore) CountUnits(ctx context.Context) (UnitCounts, error) {
	var c UnitCounts
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'OCCUPIED') FROM unit`).Scan(&c.Total, &c.Occupied)
	return c, pgErr("count units", err)
}

const facilityCols = `id, name, type, floors, beds_per_floor, rooms_per_floor, created_at`

func scanFacility(row pgx.Row) (*Facility, error) {
	var f Facility
	var typ string
	if err := row.Scan(&f.ID, &f.Name, &typ, &f.Floors, &f.BedsPerFloor, &f.RoomsPerFloor, &f.CreatedAt); err != nil {
		return nil, err
	}
	t, err := ParseFacilityType(typ)
	if err != nil {
		return nil, err
	}
	f.Type = t
	return &f, nil
}

const unitCols = `id, facility_id, floor, label, status`

func scanUnit(row pgx.Row) (*Unit, error) {
	var u Unit
	var status string
	if err := row.Scan(&u.ID, &u.FacilityID, &u.Floor, &u.Label, &status); err != nil {
		return nil, err
	}
	st, err := ParseUnitStatus(status)
	if err != nil {
		return nil, err
	}
	u.Status = st
	return &u, nil
}

const patientCols = `p.id, p.code, p.full_name, p.age, p.gender, p.diagnosis, p.severity, p.unit_id,
	p.admitted_at, p.referral_status, p.referral_facility_id, p.referral_floor`

func scanPatient(row pgx.Row, extra ...interface{}) (*Patient, error) {
	var p Patient
	var severity, referral string
	dest := []interface{}{&p.ID, &p.Code, &p.FullName, &p.Age, &p.Gender, &p.Diagnosis, &severity,
		&p.UnitID, &p.AdmittedAt, &referral, &p.ReferralFacilityID, &p.ReferralFloor}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	var err error
	if p.Severity, err = ParseSeverity(severity); err != nil {
		return nil, err
	}
	if p.ReferralStatus, err = ParseReferralStatus(referral); err != nil {
		return nil, err
	}
	return &p, nil
}

const patientViewFrom = `FROM patient p
	LEFT JOIN unit u ON u.id = p.unit_id
	LEFT JOIN facility f ON f.id = u.facility_id`

func scanPatientView(row pgx.Row) (*PatientView, error) {
	var label, name *string
	var facilityID *int64
	var floor *int
	p, err := scanPatient(row, &label, &facilityID, &name, &floor)
	if err != nil {
		return nil, err
	}
	v := &PatientView{Patient: *p}
	if label != nil {
		v.UnitLabel = *label
	}
	if facilityID != nil {
		v.FacilityID = *facilityID
	}
	if name != nil {
		v.FacilityName = *name
	}
	if floor != nil {
		v.Floor = *floor
	}
	return v, nil
}

func (s *PGStore) GetPatient(ctx context.Context, id int64) (*PatientView, error) {
	v, err := scanPatientView(s.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+`, u.label, u.facility_id, f.name, u.floor `+patientViewFrom+` WHERE p.id = $1`, id))
	return v, pgErr(fmt.Sprintf("patient %d", id), err)
}

func (s *PGStore) ListPatients(ctx context.Context, filter PatientFilter) ([]*PatientView, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	idx := 1

	if filter.FacilityID != nil {
		where = append(where, fmt.Sprintf("u.facility_id = $%d", idx))
		args = append(args, *filter.FacilityID)
		idx++
	}
	if filter.Floor != nil {
		where = append(where, fmt.Sprintf("u.floor = $%d", idx))
		args = append(args, *filter.Floor)
		idx++
	}
	if filter.Severity != nil {
		where = append(where, fmt.Sprintf("p.severity = $%d", idx))
		args = append(args, string(*filter.Severity))
		idx++
	}
	if filter.Referral != nil {
		where = append(where, fmt.Sprintf("p.referral_status = $%d", idx))
		args = append(args, string(*filter.Referral))
		idx++
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		where = append(where, fmt.Sprintf("(p.full_name ILIKE $%d OR p.code ILIKE $%d)", idx, idx))
		args = append(args, "%"+q+"%")
		idx++
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) `+patientViewFrom+` WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, pgErr("count patients", err)
	}

	order := "p.admitted_at DESC, p.id DESC"
	if filter.Sort == SortUnitLabel {
		order = "u.label ASC NULLS LAST, p.id ASC"
	}
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	query := fmt.Sprintf(`SELECT %s, u.label, u.facility_id, f.name, u.floor %s WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		patientCols, patientViewFrom, clause, order, idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, pgErr("list patients", err)
	}
	defer rows.Close()
	var items []*PatientView
	for rows.Next() {
		v, err := scanPatientView(rows)
		if err != nil {
			return nil, 0, pgErr("scan patient", err)
		}
		items = append(items, v)
	}
	return items, total, pgErr("list patients", rows.Err())
}

func (s *PGStore) ListFacilities(ctx context.Context) ([]*Facility, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+facilityCols+` FROM facility ORDER BY id`)
	if err != nil {
		return nil, pgErr("list facilities", err)
	}
	defer rows.Close()
	var items []*Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, pgErr("scan facility", err)
		}
		items = append(items, f)
	}
	return items, pgErr("list facilities", rows.Err())
}

func (s *PGStore) GetFacility(ctx context.Context, id int64) (*Facility, error) {
	f, err := scanFacility(s.conn(ctx).QueryRow(ctx, `SELECT `+facilityCols+` FROM facility WHERE id = $1`, id))
	return f, pgErr(fmt.Sprintf("facility %d", id), err)
}

func (s *PGStore) ListUnits(ctx context.Context, facilityID int64, floor int) ([]*Unit, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+unitCols+` FROM unit WHERE facility_id = $1 AND floor = $2 ORDER BY id`, facilityID, floor)
	if err != nil {
		return nil, pgErr("list units", err)
	}
	defer rows.Close()
	var items []*Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, pgErr("scan unit", err)
		}
		items = append(items, u)
	}
	return items, pgErr("list units", rows.Err())
}

type pgTx struct{ q queryable }

func (t *pgTx) FindAvailableUnit(ctx context.Context, q UnitQuery) (*Unit, error) {
	var types []string
	for _, ft := range q.FacilityTypes {
		types = append(types, string(ft))
	}
	u, err := scanUnit(t.q.QueryRow(ctx, `
		SELECT u.id, u.facility_id, u.floor, u.label, u.status
		FROM unit u JOIN facility f ON f.id = u.facility_id
		WHERE u.status = 'AVAILABLE'
			AND ($1::text[] IS NULL OR f.type = ANY($1))
			AND ($2::bigint IS NULL OR u.facility_id = $2)
			AND ($3::int IS NULL OR u.floor = $3)
		ORDER BY u.floor, u.id
		LIMIT 1
		FOR UPDATE OF u SKIP LOCKED`, types, q.FacilityID, q.Floor))
	return u, pgErr("available unit", err)
}

func (t *pgTx) GetUnit(ctx context.Context, id int64) (*Unit, error) {
	u, err := scanUnit(t.q.QueryRow(ctx, `SELECT `+unitCols+` FROM unit WHERE id = $1`, id))
	return u, pgErr(fmt.Sprintf("unit %d", id), err)
}

func (t *pgTx) SetUnitStatus(ctx context.Context, id int64, from, to UnitStatus) (bool, error) {
	tag, err := t.q.Exec(ctx, `UPDATE unit SET status = $3 WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return false, pgErr(fmt.Sprintf("set unit %d status", id), err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM unit WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, pgErr(fmt.Sprintf("unit %d", id), err)
	}
	if !exists {
		return false, fmt.Errorf("unit %d: %w", id, ErrNotFound)
	}
	return false, nil
}

func (t *pgTx) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	p, err := scanPatient(t.q.QueryRow(ctx, `SELECT `+patientCols+` FROM patient p WHERE p.id = $1 FOR UPDATE`, id))
	return p, pgErr(fmt.Sprintf("patient %d", id), err)
}

func (t *pgTx) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ReferralStatus == "" {
		p.ReferralStatus = ReferralNone
	}
	err := t.q.QueryRow(ctx, `
		INSERT INTO patient (code, full_name, age, gender, diagnosis, severity, unit_id,
			referral_status, referral_facility_id, referral_floor)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, admitted_at`,
		p.Code, p.FullName, p.Age, p.Gender, p.Diagnosis, string(p.Severity), p.UnitID,
		string(p.ReferralStatus), p.ReferralFacilityID, p.ReferralFloor).Scan(&p.ID, &p.AdmittedAt)
	return pgErr("create patient", err)
}

func (t *pgTx) UpdatePatient(ctx context.Context, p *Patient) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE patient SET full_name=$2, age=$3, gender=$4, diagnosis=$5, severity=$6, unit_id=$7,
			referral_status=$8, referral_facility_id=$9, referral_floor=$10
		WHERE id = $1`,
		p.ID, p.FullName, p.Age, p.Gender, p.Diagnosis, string(p.Severity), p.UnitID,
		string(p.ReferralStatus), p.ReferralFacilityID, p.ReferralFloor)
	if err != nil {
		return pgErr(fmt.Sprintf("update patient %d", p.ID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeletePatient(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return pgErr(fmt.Sprintf("delete patient %d", id), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetFacility(ctx context.Context, id int64) (*Facility, error) {
	f, err := scanFacility(t.q.QueryRow(ctx, `SELECT `+facilityCols+` FROM facility WHERE id = $1`, id))
	return f, pgErr(fmt.Sprintf("facility %d", id), err)
}

func (t *pgTx) CreateFacility(ctx context.Context, f *Facility) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO facility (name, type, floors, beds_per_floor, rooms_per_floor)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`,
		f.Name, string(f.Type), f.Floors, f.BedsPerFloor, f.RoomsPerFloor).Scan(&f.ID, &f.CreatedAt)
	return pgErr("create facility", err)
}

func (t *pgTx) CreateUnit(ctx context.Context, u *Unit) error {
	if u.Status == "" {
		u.Status = UnitAvailable
	}
	err := t.q.QueryRow(ctx, `
		INSERT INTO unit (facility_id, floor, label, status) VALUES ($1,$2,$3,$4) RETURNING id`,
		u.FacilityID, u.Floor, u.Label, string(u.Status)).Scan(&u.ID)
	return pgErr("create unit", err)
}
