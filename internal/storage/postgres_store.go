package storage

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/delivery-tracking/internal/order"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveOrder(s order.Snapshot) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT INTO orders(id, status, seq) VALUES($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET status=$2, seq=$3, updated_at=now()`,
		s.OrderID, string(s.Status), s.Seq); err != nil {
		return err
	}
	for _, e := range s.Timeline {
		if _, err := tx.Exec(`INSERT INTO order_timeline(order_id, status, actor, note, created_at)
			VALUES($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`,
			s.OrderID, string(e.Status), e.Actor, e.Note, e.Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) AppendEvent(ev order.StatusEvent) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.Exec(`UPDATE orders SET status=$1, seq=$2, updated_at=now() WHERE id=$3 AND seq < $2`,
		string(ev.Status), ev.Seq, ev.OrderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// unknown order or a stale replay; either way nothing to append
		return ErrNotFound
	}
	if _, err := tx.Exec(`INSERT INTO order_timeline(order_id, status, actor, note, created_at)
		VALUES($1,$2,$3,$4,$5)`,
		ev.OrderID, string(ev.Status), ev.Actor, ev.Note, ev.Timestamp); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) LoadOrder(id string) (order.Snapshot, error) {
	var s order.Snapshot
	var status string
	err := p.db.QueryRow(`SELECT id, status, seq FROM orders WHERE id=$1`, id).Scan(&s.OrderID, &status, &s.Seq)
	if err == sql.ErrNoRows {
		return order.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return order.Snapshot{}, err
	}
	s.Status = order.Status(status)

	rows, err := p.db.Query(`SELECT status, actor, note, created_at FROM order_timeline WHERE order_id=$1 ORDER BY created_at, seq_id`, id)
	if err != nil {
		return order.Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var e order.TimelineEntry
		var st string
		if err := rows.Scan(&st, &e.Actor, &e.Note, &e.Timestamp); err != nil {
			return order.Snapshot{}, err
		}
		e.Status = order.Status(st)
		s.Timeline = append(s.Timeline, e)
	}
	return s, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }
