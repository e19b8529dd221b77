package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/model"
)

const footerPrefix = "#sha256="

// NotFoundError reports a cache miss.
type NotFoundError struct {
	Key  Key
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cache: no entry for %s at %s", e.Key, e.Path)
}

// CorruptCacheError reports an entry that exists but fails validation. The
// caller should treat it as a miss and re-fetch.
type CorruptCacheError struct {
	Key    Key
	Path   string
	Reason string
}

func (e *CorruptCacheError) Error() string {
	return fmt.Sprintf("cache: corrupt entry for %s at %s: %s", e.Key, e.Path, e.Reason)
}

// Cache is a directory of CSV entries, one per Key.
type Cache struct {
	root string
	ext  string
	log  *zap.Logger

	mu    sync.Mutex
	locks map[string]*keyLock

	// wrap lets tests interpose on the temp-file writer.
	wrap func(io.Writer) io.Writer
}

// New returns a cache rooted at root. ext defaults to "csv".
func New(root, ext string) *Cache {
	if ext == "" {
		ext = "csv"
	}
	return &Cache{
		root:  root,
		ext:   ext,
		log:   zap.L().With(zap.String("component", "cache")),
		locks: make(map[string]*keyLock),
	}
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// Path returns the absolute location of key's entry.
func (c *Cache) Path(key Key) string {
	return filepath.Join(c.root, key.Filename(c.ext))
}

// Exists reports whether a committed entry is present for key. Entries only
// appear through an atomic rename, so a present file was fully written.
func (c *Cache) Exists(key Key) bool {
	fi, err := os.Stat(c.Path(key))
	return err == nil && fi.Mode().IsRegular()
}

// Load reads and validates key's entry.
func (c *Cache) Load(key Key) (*model.Table, error) {
	path := c.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Key: key, Path: path}
		}
		return nil, eris.Wrapf(err, "cache: read %s", path)
	}

	body, rows, err := splitFooter(data)
	if err != nil {
		return nil, &CorruptCacheError{Key: key, Path: path, Reason: err.Error()}
	}

	r := csv.NewReader(bytes.NewReader(body))
	records, err := r.ReadAll()
	if err != nil {
		return nil, &CorruptCacheError{Key: key, Path: path, Reason: "parse: " + err.Error()}
	}
	if len(records) == 0 {
		return nil, &CorruptCacheError{Key: key, Path: path, Reason: "missing header"}
	}
	if len(records)-1 != rows {
		return nil, &CorruptCacheError{
			Key: key, Path: path,
			Reason: fmt.Sprintf("footer declares %d rows, found %d", rows, len(records)-1),
		}
	}

	t := model.NewTable(records[0]...)
	t.Rows = records[1:]
	c.log.Debug("cache hit", zap.String("key", key.ID()), zap.Int("rows", t.Len()))
	return t, nil
}

// Save writes t as key's entry. The data goes to a temp file in the target
// directory which is synced and renamed into place; on any failure the temp
// file is removed and a previous entry is left untouched. Writers of the same
// key are serialised.
func (c *Cache) Save(key Key, t *model.Table) error {
	if t == nil {
		return eris.New("cache: save nil table")
	}
	defer c.lock(key.ID())()

	path := c.Path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "cache: mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "cache: create temp file")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var w io.Writer = tmp
	if c.wrap != nil {
		w = c.wrap(tmp)
	}
	if err := encode(w, t); err != nil {
		return eris.Wrapf(err, "cache: write %s", key)
	}
	if err := tmp.Sync(); err != nil {
		return eris.Wrap(err, "cache: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "cache: close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "cache: commit %s", path)
	}
	committed = true
	// The rename is only durable once the directory entry is on disk. The
	// entry is already valid, so a failure here is logged, not returned.
	if err := syncDir(dir); err != nil {
		c.log.Warn("cache dir sync failed", zap.String("dir", dir), zap.Error(err))
	}

	c.log.Debug("cache saved", zap.String("key", key.ID()), zap.String("path", path), zap.Int("rows", t.Len()))
	return nil
}

// Remove deletes key's entry if present.
func (c *Cache) Remove(key Key) error {
	defer c.lock(key.ID())()
	if err := os.Remove(c.Path(key)); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "cache: remove %s", key)
	}
	return nil
}

type keyLock struct {
	sync.Mutex
	refs int
}

// lock serialises work on id and returns the matching unlock. The entry is
// dropped from the map once nobody holds or waits for it.
func (c *Cache) lock(id string) (unlock func()) {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &keyLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return eris.Wrapf(err, "cache: open dir %s", dir)
	}
	defer d.Close()
	return eris.Wrapf(d.Sync(), "cache: sync dir %s", dir)
}

// encode renders the CSV body followed by a footer line carrying the body's
// digest and row count.
func encode(w io.Writer, t *model.Table) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	sum := sha256.Sum256(buf.Bytes())
	fmt.Fprintf(&buf, "%s%s rows=%d\n", footerPrefix, hex.EncodeToString(sum[:]), len(t.Rows))
	_, err := w.Write(buf.Bytes())
	return err
}

func splitFooter(data []byte) (body []byte, rows int, err error) {
	trimmed := bytes.TrimRight(data, "\n")
	idx := bytes.LastIndexByte(trimmed, '\n')
	if idx < 0 {
		return nil, 0, eris.New("missing footer")
	}
	body, footer := data[:idx+1], string(trimmed[idx+1:])
	if !strings.HasPrefix(footer, footerPrefix) {
		return nil, 0, eris.New("missing footer")
	}
	fields := strings.Fields(strings.TrimPrefix(footer, footerPrefix))
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "rows=") {
		return nil, 0, eris.Errorf("malformed footer %q", footer)
	}
	rows, err = strconv.Atoi(strings.TrimPrefix(fields[1], "rows="))
	if err != nil {
		return nil, 0, eris.Errorf("malformed footer %q", footer)
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != fields[0] {
		return nil, 0, eris.New("checksum mismatch")
	}
	return body, rows, nil
}
