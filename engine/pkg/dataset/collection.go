package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

// Collection is a named, persistent subset of a dataset's entries.
type Collection struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Label       string    `json:"label,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const collectionColumns = `"id", "name", "label", "description", "created_at", "updated_at"`

// CreateCollection creates an empty collection. An existing name is a
// DuplicateNameError.
func (d *Dataset) CreateCollection(ctx context.Context, conn store.Conn, name, label, description string) (*Collection, error) {
	if name == "" {
		return nil, errors.New("collection name is required")
	}
	if err := d.requireGenerated(ctx, conn); err != nil {
		return nil, err
	}
	if _, err := d.Collection(ctx, conn, name); err == nil {
		return nil, &DuplicateNameError{Kind: "collection", Name: name}
	} else if !errors.Is(err, ErrCollectionNotFound) {
		return nil, err
	}

	dl := conn.Dialect()
	now := d.clock.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO %s ("name", "label", "description", "created_at", "updated_at") VALUES (%s, %s, %s, %s, %s) RETURNING "id"`,
		dl.Quote(d.Schema().Collection),
		dl.Placeholder(1), dl.Placeholder(2), dl.Placeholder(3), dl.Placeholder(4), dl.Placeholder(5))

	c := &Collection{Name: name, Label: label, Description: description, CreatedAt: now, UpdatedAt: now}
	if err := conn.QueryRow(ctx, q, name, label, description, dl.BindTime(now), dl.BindTime(now)).Scan(&c.ID); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, &DuplicateNameError{Kind: "collection", Name: name}
		}
		return nil, fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	d.log.Info("dataset: created collection", "dataset", d.Name(), "collection", name, "id", c.ID)
	return c, nil
}

// Collection looks a collection up by name.
func (d *Dataset) Collection(ctx context.Context, conn store.Conn, name string) (*Collection, error) {
	ok, err := d.IsGenerated(ctx, conn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCollectionNotFound
	}

	dl := conn.Dialect()
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE "name" = %s`, collectionColumns, dl.Quote(d.Schema().Collection), dl.Placeholder(1))
	rows, err := conn.Query(ctx, q, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection %s: %w", name, err)
	}
	values, err := store.ScanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection %s: %w", name, err)
	}
	if len(values) == 0 {
		return nil, ErrCollectionNotFound
	}
	return scanCollection(values[0])
}

// Collections lists all collections ordered by name.
func (d *Dataset) Collections(ctx context.Context, conn store.Conn) ([]*Collection, error) {
	ok, err := d.IsGenerated(ctx, conn)
	if err != nil || !ok {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY "name"`, collectionColumns, conn.Dialect().Quote(d.Schema().Collection))
	rows, err := conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	values, err := store.ScanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	out := make([]*Collection, 0, len(values))
	for _, row := range values {
		c, err := scanCollection(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func scanCollection(row []any) (*Collection, error) {
	id, err := store.ToInt(row[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read collection id: %w", err)
	}
	created, err := store.ToTime(row[4])
	if err != nil {
		return nil, fmt.Errorf("failed to read collection created_at: %w", err)
	}
	updated, err := store.ToTime(row[5])
	if err != nil {
		return nil, fmt.Errorf("failed to read collection updated_at: %w", err)
	}
	str := func(v any) string {
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	return &Collection{
		ID:          id,
		Name:        str(row[1]),
		Label:       str(row[2]),
		Description: str(row[3]),
		CreatedAt:   created.UTC(),
		UpdatedAt:   updated.UTC(),
	}, nil
}

// DeleteCollection removes a collection; its memberships cascade.
func (d *Dataset) DeleteCollection(ctx context.Context, conn store.Conn, name string) error {
	c, err := d.Collection(ctx, conn, name)
	if err != nil {
		return err
	}
	s := d.Schema()
	dl := conn.Dialect()
	return conn.WithTx(ctx, func(tx store.Conn) error {
		// Explicit for stores without foreign key enforcement.
		del := fmt.Sprintf(`DELETE FROM %s WHERE "collection_id" = %s`, dl.Quote(s.CollectionEntry), dl.Placeholder(1))
		if _, err := tx.Exec(ctx, del, c.ID); err != nil {
			return fmt.Errorf("failed to delete members of collection %s: %w", name, err)
		}
		del = fmt.Sprintf(`DELETE FROM %s WHERE "id" = %s`, dl.Quote(s.Collection), dl.Placeholder(1))
		if _, err := tx.Exec(ctx, del, c.ID); err != nil {
			return fmt.Errorf("failed to delete collection %s: %w", name, err)
		}
		return nil
	})
}

// AddToCollection adds an entry and reports whether it was added. An entry that
// is already a member is left alone.
func (d *Dataset) AddToCollection(ctx context.Context, conn store.Conn, name, entryID string) (bool, error) {
	c, err := d.Collection(ctx, conn, name)
	if err != nil {
		return false, err
	}
	member, err := d.isMember(ctx, conn, c.ID, entryID)
	if err != nil || member {
		return false, err
	}

	dl := conn.Dialect()
	ins := fmt.Sprintf(`INSERT INTO %s ("entry_id", "collection_id") VALUES (%s, %s)`,
		dl.Quote(d.Schema().CollectionEntry), dl.Placeholder(1), dl.Placeholder(2))
	if _, err := conn.Exec(ctx, ins, entryID, c.ID); err != nil {
		if store.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to add entry %s to collection %s: %w", entryID, name, err)
	}
	if err := d.touchCollection(ctx, conn, c.ID); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFromCollection deletes a membership if present.
func (d *Dataset) RemoveFromCollection(ctx context.Context, conn store.Conn, name, entryID string) error {
	c, err := d.Collection(ctx, conn, name)
	if err != nil {
		return err
	}
	dl := conn.Dialect()
	del := fmt.Sprintf(`DELETE FROM %s WHERE "entry_id" = %s AND "collection_id" = %s`,
		dl.Quote(d.Schema().CollectionEntry), dl.Placeholder(1), dl.Placeholder(2))
	n, err := conn.Exec(ctx, del, entryID, c.ID)
	if err != nil {
		return fmt.Errorf("failed to remove entry %s from collection %s: %w", entryID, name, err)
	}
	if n > 0 {
		return d.touchCollection(ctx, conn, c.ID)
	}
	return nil
}

// InCollection reports whether an entry is a member of the collection.
func (d *Dataset) InCollection(ctx context.Context, conn store.Conn, name, entryID string) (bool, error) {
	c, err := d.Collection(ctx, conn, name)
	if err != nil {
		return false, err
	}
	return d.isMember(ctx, conn, c.ID, entryID)
}

func (d *Dataset) isMember(ctx context.Context, conn store.Conn, collectionID int64, entryID string) (bool, error) {
	dl := conn.Dialect()
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE "entry_id" = %s AND "collection_id" = %s`,
		dl.Quote(d.Schema().CollectionEntry), dl.Placeholder(1), dl.Placeholder(2))
	var n int64
	if err := conn.QueryRow(ctx, q, entryID, collectionID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check membership of %s: %w", entryID, err)
	}
	return n > 0, nil
}

// Members returns the ids of all entries in the collection.
func (d *Dataset) Members(ctx context.Context, conn store.Conn, name string) ([]string, error) {
	c, err := d.Collection(ctx, conn, name)
	if err != nil {
		return nil, err
	}
	dl := conn.Dialect()
	q := fmt.Sprintf(`SELECT "entry_id" FROM %s WHERE "collection_id" = %s ORDER BY "entry_id"`,
		dl.Quote(d.Schema().CollectionEntry), dl.Placeholder(1))
	rows, err := conn.Query(ctx, q, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", name, err)
	}
	values, err := store.ScanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", name, err)
	}
	ids := make([]string, 0, len(values))
	for _, row := range values {
		ids = append(ids, fmt.Sprint(row[0]))
	}
	return ids, nil
}

// Collect materializes every entry matching the filter into the collection and
// returns the number of entries added. Running it again adds nothing.
func (d *Dataset) Collect(ctx context.Context, conn store.Conn, name string, f Filter) (int64, error) {
	res, err := d.Select(ctx, conn, Query{Filter: f, IntoCollection: name})
	if err != nil {
		return 0, err
	}
	if res.Summary.NumEntries > 0 {
		c, err := d.Collection(ctx, conn, name)
		if err != nil {
			return 0, err
		}
		if err := d.touchCollection(ctx, conn, c.ID); err != nil {
			return 0, err
		}
	}
	return res.Summary.NumEntries, nil
}

func (d *Dataset) touchCollection(ctx context.Context, conn store.Conn, id int64) error {
	dl := conn.Dialect()
	q := fmt.Sprintf(`UPDATE %s SET "updated_at" = %s WHERE "id" = %s`, dl.Quote(d.Schema().Collection), dl.Placeholder(1), dl.Placeholder(2))
	if _, err := conn.Exec(ctx, q, dl.BindTime(d.clock.Now().UTC()), id); err != nil {
		return fmt.Errorf("failed to update collection %d: %w", id, err)
	}
	return nil
}

func (d *Dataset) requireGenerated(ctx context.Context, conn store.Conn) error {
	ok, err := d.IsGenerated(ctx, conn)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotGenerated
	}
	return nil
}
