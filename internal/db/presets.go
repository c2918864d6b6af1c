package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/turntable.report/internal/codec"
)

// ErrPresetNotFound is returned when no preset has the requested name.
var ErrPresetNotFound = errors.New("preset not found")

// Preset is a named target speed with optional controller gains.
type Preset struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	TargetSpeed float64            `json:"target_speed"`
	SpeedUnit   string             `json:"speed_unit"`
	VelocityPID *codec.VelocityPID `json:"velocity_pid,omitempty"`
	CurrentPI   *codec.CurrentPI   `json:"current_pi,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

const presetColumns = `preset_id, name, target_speed, speed_unit,
	velocity_p, velocity_i, velocity_d, current_p, current_i,
	created_at, updated_at`

// SavePreset inserts p, or replaces the preset with the same name while
// keeping its ID and creation time. It returns the stored row.
func (db *DB) SavePreset(p Preset) (*Preset, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, fmt.Errorf("preset name is required")
	}
	if p.SpeedUnit == "" {
		p.SpeedUnit = "rpm"
	}

	var vp, vi, vd, cp, ci sql.NullFloat64
	if g := p.VelocityPID; g != nil {
		vp, vi, vd = nullFloat(g.P), nullFloat(g.I), nullFloat(g.D)
	}
	if g := p.CurrentPI; g != nil {
		cp, ci = nullFloat(g.P), nullFloat(g.I)
	}

	now := time.Now().UnixNano()
	_, err := db.Exec(`
		INSERT INTO presets (`+presetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			target_speed = excluded.target_speed,
			speed_unit   = excluded.speed_unit,
			velocity_p   = excluded.velocity_p,
			velocity_i   = excluded.velocity_i,
			velocity_d   = excluded.velocity_d,
			current_p    = excluded.current_p,
			current_i    = excluded.current_i,
			updated_at   = excluded.updated_at`,
		uuid.NewString(), p.Name, p.TargetSpeed, p.SpeedUnit,
		vp, vi, vd, cp, ci,
		now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save preset %q: %w", p.Name, err)
	}
	return db.Preset(p.Name)
}

// Preset returns the preset called name.
func (db *DB) Preset(name string) (*Preset, error) {
	row := db.QueryRow(`SELECT `+presetColumns+` FROM presets WHERE name = ?`, name)
	p, err := scanPreset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%q: %w", name, ErrPresetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preset %q: %w", name, err)
	}
	return p, nil
}

// ListPresets returns all presets ordered by name.
func (db *DB) ListPresets() ([]Preset, error) {
	rows, err := db.Query(`SELECT ` + presetColumns + ` FROM presets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query presets: %w", err)
	}
	defer rows.Close()

	presets := []Preset{}
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan preset: %w", err)
		}
		presets = append(presets, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating presets: %w", err)
	}
	return presets, nil
}

// DeletePreset removes the preset called name.
func (db *DB) DeletePreset(name string) error {
	res, err := db.Exec(`DELETE FROM presets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete preset %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%q: %w", name, ErrPresetNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPreset(r rowScanner) (*Preset, error) {
	var (
		p                  Preset
		vp, vi, vd, cp, ci sql.NullFloat64
		created, updated   int64
	)
	if err := r.Scan(
		&p.ID, &p.Name, &p.TargetSpeed, &p.SpeedUnit,
		&vp, &vi, &vd, &cp, &ci,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	if vp.Valid && vi.Valid && vd.Valid {
		p.VelocityPID = &codec.VelocityPID{P: vp.Float64, I: vi.Float64, D: vd.Float64}
	}
	if cp.Valid && ci.Valid {
		p.CurrentPI = &codec.CurrentPI{P: cp.Float64, I: ci.Float64}
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return &p, nil
}

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}
