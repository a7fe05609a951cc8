// Package localdb implements LocalDb, the transactional local catalog that
// maps (checksum, size) to an object reference and tracks which segments a
// snapshot uses so future runs can dedup against it and a future
// garbage-collection pass can reclaim underutilized segments.
//
// Grounded in the original Cumulus LocalDb (original_source/localdb.cc)
// for schema and statement semantics, and in bureau-foundation-bureau's
// telemetry Store (cmd/bureau-telemetry-service/store.go) for the
// zombiezen.com/go/sqlite/sqlitex access idiom: a raw *sqlite.Conn, bare
// sqlitex.Execute calls with ExecOptions{Args, ResultFunc}, no ORM.
package localdb

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mvrable/cumulus/objectref"
	"github.com/mvrable/cumulus/util"
)

const schema = `
create table if not exists snapshots (
    snapshotid integer primary key,
    name text not null,
    scheme text,
    timestamp real not null
);
create table if not exists segments (
    segmentid integer primary key,
    segment text unique not null,
    path text,
    checksum text,
    size integer
);
create table if not exists block_index (
    blockid integer primary key,
    segmentid integer not null references segments(segmentid),
    object text not null,
    checksum text not null,
    size integer not null,
    timestamp real not null,
    expired integer,
    unique(segmentid, object)
);
create index if not exists block_index_checksum on block_index(checksum, size);
create table if not exists segments_used (
    snapshotid integer not null references snapshots(snapshotid),
    segmentid integer not null references segments(segmentid),
    utilization real not null,
    primary key(snapshotid, segmentid)
);
`

// DB is a single-writer catalog session bounded by one outer transaction,
// matching spec §4.3: "LocalDb lives exactly one snapshot session."
type DB struct {
	conn       *sqlite.Conn
	log        *util.Logger
	snapshotID int64
}

// Open opens path (creating it and the schema if necessary), begins the
// session's transaction, and inserts a row for this snapshot (spec §4.3:
// "open"). snapshotScheme may be empty, recorded as NULL.
func Open(path, snapshotName, snapshotScheme string, log *util.Logger) (*DB, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, util.IOError("localdb.Open: open", err)
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, util.DbError("localdb.Open: schema", err)
	}

	if err := sqlitex.ExecuteTransient(conn, "begin", nil); err != nil {
		conn.Close()
		return nil, util.DbError("localdb.Open: begin", err)
	}

	var scheme any
	if snapshotScheme != "" {
		scheme = snapshotScheme
	}
	if err := sqlitex.Execute(conn,
		"insert into snapshots(name, scheme, timestamp) values (?, ?, julianday('now'))",
		&sqlitex.ExecOptions{Args: []any{snapshotName, scheme}}); err != nil {
		conn.Close()
		return nil, util.DbError("localdb.Open: insert snapshot", err)
	}

	snapshotID := conn.LastInsertRowID()
	if snapshotID == 0 {
		conn.Close()
		return nil, util.InvariantError("localdb.Open", fmt.Errorf("no snapshot id assigned"))
	}

	if err := sqlitex.ExecuteTransient(conn,
		`create temporary table snapshot_refs (
		     segmentid integer not null,
		     object text not null,
		     size integer not null
		 )`, nil); err != nil {
		conn.Close()
		return nil, util.DbError("localdb.Open: create snapshot_refs", err)
	}
	if err := sqlitex.ExecuteTransient(conn,
		"create unique index snapshot_refs_index on snapshot_refs(segmentid, object)", nil); err != nil {
		conn.Close()
		return nil, util.DbError("localdb.Open: index snapshot_refs", err)
	}

	return &DB{conn: conn, log: log, snapshotID: snapshotID}, nil
}

// SnapshotID returns the id assigned to this session's snapshot row.
func (db *DB) SnapshotID() int64 {
	return db.snapshotID
}

// Close materializes segments_used from snapshot_refs joined with
// segments, commits, and closes the connection (spec §4.3: "close()").
// Errors while summarizing are logged, not returned: per spec §7, "close()
// errors are logged; the on-disk transaction either commits or rolls back
// atomically" -- the session is already considered complete by the time
// Close runs.
func (db *DB) Close() error {
	err := sqlitex.Execute(db.conn,
		`insert into segments_used
		 select ? as snapshotid, segmentid,
		        cast(used as real) / size as utilization
		 from (select segmentid, sum(size) as used
		       from snapshot_refs group by segmentid)
		 join segments using (segmentid)`,
		&sqlitex.ExecOptions{Args: []any{db.snapshotID}})
	if err != nil {
		db.log.Warning("localdb: unable to materialize segment summary: %v", err)
	}

	if err := sqlitex.ExecuteTransient(db.conn, "commit", nil); err != nil {
		db.log.Error("localdb: commit failed: %v", err)
	}

	return util.IOError("localdb.Close", db.conn.Close())
}

// SegmentToID inserts segment (if not already present) and returns its id,
// never creating a duplicate row for the same name (spec §4.3:
// "segment_to_id").
func (db *DB) SegmentToID(segment string) (int64, error) {
	if err := sqlitex.Execute(db.conn,
		"insert or ignore into segments(segment) values (?)",
		&sqlitex.ExecOptions{Args: []any{segment}}); err != nil {
		return 0, util.DbError("localdb.SegmentToID: insert", err)
	}

	var id int64
	found := false
	err := sqlitex.Execute(db.conn,
		"select segmentid from segments where segment = ?",
		&sqlitex.ExecOptions{
			Args: []any{segment},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, util.DbError("localdb.SegmentToID: select", err)
	}
	if !found {
		return 0, util.InvariantError("localdb.SegmentToID", fmt.Errorf("no segment row for %q", segment))
	}
	return id, nil
}

// IDToSegment is the inverse of SegmentToID (spec §4.3: "id_to_segment").
func (db *DB) IDToSegment(id int64) (string, error) {
	var name string
	found := false
	err := sqlitex.Execute(db.conn,
		"select segment from segments where segmentid = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				name = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", util.DbError("localdb.IDToSegment: select", err)
	}
	if !found {
		return "", util.InvariantError("localdb.IDToSegment", fmt.Errorf("no segment row for id %d", id))
	}
	return name, nil
}

// StoreObject inserts a block_index row for ref (spec §4.3:
// "store_object"). age is a Julian-day timestamp; if age is nil the
// current time is used instead, replacing the original's "age==0.0 means
// now" sentinel (SPEC_FULL open-question resolution: a genuine Julian day
// zero would otherwise be miscategorized as "now").
func (db *DB) StoreObject(ref objectref.Ref, checksum string, size int64, age *float64) error {
	segmentID, err := db.SegmentToID(ref.Segment())
	if err != nil {
		return err
	}

	if age == nil {
		err = sqlitex.Execute(db.conn,
			`insert into block_index(segmentid, object, checksum, size, timestamp)
			 values (?, ?, ?, ?, julianday('now'))`,
			&sqlitex.ExecOptions{Args: []any{segmentID, ref.Sequence(), checksum, size}})
	} else {
		err = sqlitex.Execute(db.conn,
			`insert into block_index(segmentid, object, checksum, size, timestamp)
			 values (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{segmentID, ref.Sequence(), checksum, size, *age}})
	}
	if err != nil {
		return util.DbError("localdb.StoreObject", err)
	}
	return nil
}

// FindObject returns a live (expired is null) reference matching
// (checksum, size), choosing deterministically by (segmentid, object) when
// more than one qualifies (spec §4.3: "find_object"). The zero value and
// ok==false mean no match.
func (db *DB) FindObject(checksum string, size int64) (ref objectref.Ref, ok bool, err error) {
	var segmentID int64
	var object string
	err = sqlitex.Execute(db.conn,
		`select segmentid, object from block_index
		 where checksum = ? and size = ? and expired is null
		 order by segmentid asc, object asc limit 1`,
		&sqlitex.ExecOptions{
			Args: []any{checksum, size},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				segmentID = stmt.ColumnInt64(0)
				object = stmt.ColumnText(1)
				ok = true
				return nil
			},
		})
	if err != nil {
		return objectref.Ref{}, false, util.DbError("localdb.FindObject", err)
	}
	if !ok {
		return objectref.Ref{}, false, nil
	}

	name, err := db.IDToSegment(segmentID)
	if err != nil {
		return objectref.Ref{}, false, err
	}
	return objectref.Normal(name, object), true, nil
}

// OldObject reports an old object (possibly expired) for (checksum, size),
// along with its stored age and whether it is expired (spec §4.3:
// "is_old_object").
type OldObject struct {
	Ref     objectref.Ref
	Age     float64
	Expired bool
}

// IsOldObject returns any matching row including expired ones.
func (db *DB) IsOldObject(checksum string, size int64) (obj OldObject, ok bool, err error) {
	var segmentID int64
	var object string
	var expired bool
	err = sqlitex.Execute(db.conn,
		"select segmentid, object, timestamp, expired is not null from block_index where checksum = ? and size = ?",
		&sqlitex.ExecOptions{
			Args: []any{checksum, size},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				segmentID = stmt.ColumnInt64(0)
				object = stmt.ColumnText(1)
				obj.Age = stmt.ColumnFloat(2)
				expired = stmt.ColumnInt(3) != 0
				ok = true
				return nil
			},
		})
	if err != nil {
		return OldObject{}, false, util.DbError("localdb.IsOldObject", err)
	}
	if !ok {
		return OldObject{}, false, nil
	}

	name, err := db.IDToSegment(segmentID)
	if err != nil {
		return OldObject{}, false, err
	}
	obj.Ref = objectref.Normal(name, object)
	obj.Expired = expired
	return obj, true, nil
}

// IsAvailable reports whether ref can currently be resolved to live data.
// Special references are always available (spec §4.3: "is_available").
func (db *DB) IsAvailable(ref objectref.Ref) (bool, error) {
	if ref.IsSpecial() {
		return true, nil
	}
	if !ref.IsNormal() {
		return false, nil
	}

	segmentID, err := db.SegmentToID(ref.Segment())
	if err != nil {
		return false, err
	}

	available := false
	err = sqlitex.Execute(db.conn,
		"select 1 from block_index where segmentid = ? and object = ? and expired is null",
		&sqlitex.ExecOptions{
			Args: []any{segmentID, ref.Sequence()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				available = true
				return nil
			},
		})
	if err != nil {
		return false, util.DbError("localdb.IsAvailable", err)
	}
	return available, nil
}

// UseObject records ref's use by the current snapshot in snapshot_refs,
// coalescing duplicates (spec §4.3: "use_object"). Special references are
// ignored, matching spec §4.3: "Special references are ignored."
func (db *DB) UseObject(ref objectref.Ref) error {
	if !ref.IsNormal() {
		return nil
	}

	segmentID, err := db.SegmentToID(ref.Segment())
	if err != nil {
		return err
	}

	err = sqlitex.Execute(db.conn,
		`insert or ignore into snapshot_refs
		 select segmentid, object, size from block_index
		 where segmentid = ? and object = ?`,
		&sqlitex.ExecOptions{Args: []any{segmentID, ref.Sequence()}})
	if err != nil {
		return util.DbError("localdb.UseObject", err)
	}
	return nil
}

// SetSegmentChecksum updates the segments row for name with path,
// checksum, and the summed size of its block_index rows (spec §4.2's
// sealing step calling into spec §4.3: "set_segment_checksum").
func (db *DB) SetSegmentChecksum(name, path, checksum string) error {
	segmentID, err := db.SegmentToID(name)
	if err != nil {
		return err
	}

	err = sqlitex.Execute(db.conn,
		`update segments set path = ?, checksum = ?,
		     size = (select coalesce(sum(size), 0) from block_index where segmentid = ?)
		 where segmentid = ?`,
		&sqlitex.ExecOptions{Args: []any{path, checksum, segmentID, segmentID}})
	if err != nil {
		return util.DbError("localdb.SetSegmentChecksum", err)
	}
	return nil
}

// SegmentChecksum is the (path, checksum) pair recorded for a sealed
// segment.
type SegmentChecksum struct {
	Path     string
	Checksum string
}

// GetSegmentChecksum returns the recorded path/checksum for name, if any
// (spec §4.3: "get_segment_checksum").
func (db *DB) GetSegmentChecksum(name string) (SegmentChecksum, bool, error) {
	var out SegmentChecksum
	found := false
	err := sqlitex.Execute(db.conn,
		"select path, checksum from segments where segment = ? and path is not null",
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out.Path = stmt.ColumnText(0)
				out.Checksum = stmt.ColumnText(1)
				found = true
				return nil
			},
		})
	if err != nil {
		return SegmentChecksum{}, false, util.DbError("localdb.GetSegmentChecksum", err)
	}
	return out, found, nil
}

// LowUtilizationSegment names a segment with a recorded utilization at or
// below a garbage-collection threshold. Each segments_used row is reported
// separately, so a segment used by several snapshots can appear once per
// snapshot.
type LowUtilizationSegment struct {
	Segment     string
	Utilization float64
}

// LowUtilizationSegments surfaces candidate segments for a future
// garbage-collection pass (SPEC_FULL.md "Retention-style staleness
// accounting", grounded in original_source/python/cumulus/retention.py).
// It only queries segments_used; it never deletes or expires rows -- spec
// §1 scopes LocalDb to *tracking* utilization, not acting on it.
func (db *DB) LowUtilizationSegments(threshold float64) ([]LowUtilizationSegment, error) {
	var out []LowUtilizationSegment
	err := sqlitex.Execute(db.conn,
		`select s.segment, u.utilization
		 from segments_used u join segments s using (segmentid)
		 where u.utilization <= ?
		 order by u.utilization asc`,
		&sqlitex.ExecOptions{
			Args: []any{threshold},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, LowUtilizationSegment{
					Segment:     stmt.ColumnText(0),
					Utilization: stmt.ColumnFloat(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, util.DbError("localdb.LowUtilizationSegments", err)
	}
	return out, nil
}
