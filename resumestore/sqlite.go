package resumestore

import (
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Keeps resume data in a sqlite database.
type Sqlite struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// Opens or creates resume.sqlite in dir.
func NewSqlite(dir string) (*Sqlite, error) {
	p := filepath.Join(dir, "resume.sqlite")
	conn, err := sqlite.OpenConn(p, sqlite.OpenReadWrite, sqlite.OpenCreate, sqlite.OpenWAL)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", p)
	}
	err = sqlitex.ExecuteScript(conn, `create table if not exists resume(key text primary key, data blob not null)`, nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "initing schema")
	}
	return &Sqlite{conn: conn}, nil
}

func (me *Sqlite) Get(key string) (b []byte, ok bool, err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	err = sqlitex.Execute(me.conn, `select data from resume where key=?`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			b = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, b)
			ok = true
			return nil
		},
	})
	return
}

func (me *Sqlite) Set(key string, b []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	return sqlitex.Execute(me.conn, `insert or replace into resume(key, data) values(?, ?)`, &sqlitex.ExecOptions{
		Args: []any{key, b},
	})
}

func (me *Sqlite) Delete(key string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	return sqlitex.Execute(me.conn, `delete from resume where key=?`, &sqlitex.ExecOptions{
		Args: []any{key},
	})
}

func (me *Sqlite) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.conn.Close()
}
