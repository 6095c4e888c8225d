// Package anki exports flashcard decks as .apkg archives readable by Anki:
// a ZIP holding a collection.anki2 SQLite file (schema version 11) and a
// media manifest mapping numeric names to original filenames.
package anki

import (
	"archive/zip"
	"crypto/sha1"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

// ModelType selects the note model flavor. Cloze models generate one card
// per distinct cloze index; standard models generate one card per template.
type ModelType int

const (
	ModelStandard ModelType = 0
	ModelCloze    ModelType = 1
)

// Field is one note field.
type Field struct {
	Name string
}

// Template is one card template. Cloze models use a single template whose
// question format references {{cloze:Text}}.
type Template struct {
	Name string
	Qfmt string
	Afmt string
}

// Model describes a note type.
type Model struct {
	ID        int64
	Name      string
	Type      ModelType
	Fields    []Field
	Templates []Template
	CSS       string
}

// BasicModel is the stock front/back model.
func BasicModel(id int64) *Model {
	return &Model{
		ID:     id,
		Name:   "Basic",
		Type:   ModelStandard,
		Fields: []Field{{Name: "Front"}, {Name: "Back"}},
		Templates: []Template{{
			Name: "Card 1",
			Qfmt: "{{Front}}",
			Afmt: "{{FrontSide}}\n\n<hr id=answer>\n\n{{Back}}",
		}},
		CSS: defaultCSS,
	}
}

// ClozeModel is the stock cloze-deletion model.
func ClozeModel(id int64) *Model {
	return &Model{
		ID:     id,
		Name:   "Cloze",
		Type:   ModelCloze,
		Fields: []Field{{Name: "Text"}, {Name: "Back Extra"}},
		Templates: []Template{{
			Name: "Cloze",
			Qfmt: "{{cloze:Text}}",
			Afmt: "{{cloze:Text}}<br>\n{{Back Extra}}",
		}},
		CSS: defaultCSS + "\n.cloze { font-weight: bold; color: blue; }",
	}
}

const defaultCSS = ".card {\n font-family: arial;\n font-size: 20px;\n text-align: center;\n color: black;\n background-color: white;\n}"

// Note is one note to export. Fields align with the model's field list and
// are stored joined by \x1f.
type Note struct {
	Model  *Model
	Fields []string
	Tags   []string
	GUID   string // derived from the fields when empty
}

// Deck is one exportable deck.
type Deck struct {
	ID          int64
	Name        string
	Description string
	Notes       []Note
}

// MediaFile is one media attachment. Files are stored in the archive under
// numeric names; the manifest maps them back to Name.
type MediaFile struct {
	Name string
	Data []byte
}

// clozeRe finds cloze deletion indexes like {{c1::...}}.
var clozeRe = regexp.MustCompile(`\{\{c(\d+)::`)

// htmlTagRe strips markup for the sort field.
var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// =============================================================================
// EXPORT
// =============================================================================

// Export writes the deck and media to w as a complete .apkg archive.
func Export(w io.Writer, deck *Deck, media []MediaFile) error {
	if deck == nil || deck.Name == "" {
		return apperr.Validation("anki.Export", "deck with a name is required")
	}
	for i, n := range deck.Notes {
		if n.Model == nil {
			return apperr.Validation("anki.Export", "note %d has no model", i)
		}
		if len(n.Fields) != len(n.Model.Fields) {
			return apperr.Validation("anki.Export",
				"note %d has %d fields, model %s wants %d", i, len(n.Fields), n.Model.Name, len(n.Model.Fields))
		}
	}

	dbBytes, err := buildCollection(deck)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)

	f, err := zw.Create("collection.anki2")
	if err != nil {
		return apperr.FileSystem("anki.Export", err)
	}
	if _, err := f.Write(dbBytes); err != nil {
		return apperr.FileSystem("anki.Export", err)
	}

	manifest := map[string]string{}
	for i, m := range media {
		name := strconv.Itoa(i)
		manifest[name] = m.Name
		mf, err := zw.Create(name)
		if err != nil {
			return apperr.FileSystem("anki.Export", err)
		}
		if _, err := mf.Write(m.Data); err != nil {
			return apperr.FileSystem("anki.Export", err)
		}
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return apperr.Internal("anki.Export", err)
	}
	mf, err := zw.Create("media")
	if err != nil {
		return apperr.FileSystem("anki.Export", err)
	}
	if _, err := mf.Write(manifestJSON); err != nil {
		return apperr.FileSystem("anki.Export", err)
	}

	if err := zw.Close(); err != nil {
		return apperr.FileSystem("anki.Export", err)
	}
	return nil
}

// ExportFile writes the archive to path.
func ExportFile(path string, deck *Deck, media []MediaFile) error {
	f, err := os.Create(path)
	if err != nil {
		return apperr.FileSystem("anki.ExportFile", err)
	}
	defer f.Close()
	if err := Export(f, deck, media); err != nil {
		return err
	}
	return f.Sync()
}

// buildCollection creates the collection.anki2 SQLite file in a temp
// location and returns its bytes. SQLite needs a real file, so the database
// is staged on disk and read back.
func buildCollection(deck *Deck) ([]byte, error) {
	dir, err := os.MkdirTemp("", "apkg-")
	if err != nil {
		return nil, apperr.FileSystem("anki.buildCollection", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "collection.anki2")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperr.Database("anki.buildCollection", err)
	}
	db.SetMaxOpenConns(1)

	if err := populate(db, deck); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Close(); err != nil {
		return nil, apperr.Database("anki.buildCollection", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.FileSystem("anki.buildCollection", err)
	}
	return data, nil
}

func populate(db *sql.DB, deck *Deck) error {
	if _, err := db.Exec(ankiSchema); err != nil {
		return apperr.Database("anki.populate", err)
	}

	now := time.Now()
	nowSec := now.Unix()
	nowMs := now.UnixMilli()

	models := collectModels(deck)
	modelsJSON, err := modelsBlob(models, nowSec)
	if err != nil {
		return err
	}
	decksJSON, err := decksBlob(deck, nowSec)
	if err != nil {
		return err
	}
	confJSON := confBlob(models)

	tx, err := db.Begin()
	if err != nil {
		return apperr.Database("anki.populate", err)
	}
	defer tx.Rollback()

	crt := time.Date(now.Year(), now.Month(), now.Day(), 4, 0, 0, 0, now.Location()).Unix()
	_, err = tx.Exec(
		"INSERT INTO col (id, crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags) VALUES (1, ?, ?, ?, 11, 0, 0, 0, ?, ?, ?, ?, '{}')",
		crt, nowMs, nowMs, confJSON, modelsJSON, decksJSON, dconfBlob)
	if err != nil {
		return apperr.Database("anki.populate", err)
	}

	noteID := nowMs
	cardID := nowMs + int64(len(deck.Notes))*1000
	due := 1
	for _, n := range deck.Notes {
		noteID++
		flds := strings.Join(n.Fields, "\x1f")
		sortField := htmlTagRe.ReplaceAllString(n.Fields[0], "")
		guid := n.GUID
		if guid == "" {
			guid = noteGUID(n.Model.ID, flds)
		}
		tags := ""
		if len(n.Tags) > 0 {
			tags = " " + strings.Join(n.Tags, " ") + " "
		}
		_, err = tx.Exec(
			"INSERT INTO notes (id, guid, mid, mod, usn, tags, flds, sfld, csum, flags, data) VALUES (?, ?, ?, ?, -1, ?, ?, ?, ?, 0, '')",
			noteID, guid, n.Model.ID, nowSec, tags, flds, sortField, fieldChecksum(sortField))
		if err != nil {
			return apperr.Database("anki.populate", err)
		}

		for _, ord := range cardOrdinals(n) {
			cardID++
			_, err = tx.Exec(
				"INSERT INTO cards (id, nid, did, ord, mod, usn, type, queue, due, ivl, factor, reps, lapses, left, odue, odid, flags, data) VALUES (?, ?, ?, ?, ?, -1, 0, 0, ?, 0, 0, 0, 0, 0, 0, 0, 0, '')",
				cardID, noteID, deck.ID, ord, nowSec, due)
			if err != nil {
				return apperr.Database("anki.populate", err)
			}
			due++
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Database("anki.populate", err)
	}
	return nil
}

// cardOrdinals returns the template ordinals to instantiate for a note. A
// standard note gets one card per template. A cloze note gets one card per
// distinct cloze index found in the fields, zero-based.
func cardOrdinals(n Note) []int {
	if n.Model.Type == ModelStandard {
		ords := make([]int, len(n.Model.Templates))
		for i := range ords {
			ords[i] = i
		}
		return ords
	}

	seen := map[int]bool{}
	for _, f := range n.Fields {
		for _, m := range clozeRe.FindAllStringSubmatch(f, -1) {
			if idx, err := strconv.Atoi(m[1]); err == nil && idx > 0 {
				seen[idx-1] = true
			}
		}
	}
	if len(seen) == 0 {
		// A cloze note without deletions still yields card 1, matching
		// Anki's fallback.
		return []int{0}
	}
	ords := make([]int, 0, len(seen))
	for idx := range seen {
		ords = append(ords, idx)
	}
	sort.Ints(ords)
	return ords
}

// collectModels gathers the distinct models used by the deck.
func collectModels(deck *Deck) []*Model {
	seen := map[int64]*Model{}
	var out []*Model
	for _, n := range deck.Notes {
		if _, ok := seen[n.Model.ID]; !ok {
			seen[n.Model.ID] = n.Model
			out = append(out, n.Model)
		}
	}
	return out
}

// noteGUID derives a stable note guid from the model and fields so repeated
// exports of the same note de-duplicate on import.
func noteGUID(mid int64, flds string) string {
	h := sha1.Sum([]byte(strconv.FormatInt(mid, 10) + "\x1f" + flds))
	return hex.EncodeToString(h[:])[:10]
}

// fieldChecksum is the integer value of the first 8 hex digits of the SHA1
// of the sort field, as Anki computes csum.
func fieldChecksum(sortField string) int64 {
	h := sha1.Sum([]byte(sortField))
	return int64(binary.BigEndian.Uint32(h[:4]))
}

// =============================================================================
// COLLECTION JSON BLOBS
// =============================================================================

func modelsBlob(models []*Model, nowSec int64) (string, error) {
	out := map[string]any{}
	for _, m := range models {
		flds := make([]map[string]any, len(m.Fields))
		for i, f := range m.Fields {
			flds[i] = map[string]any{
				"name": f.Name, "ord": i, "sticky": false, "rtl": false,
				"font": "Arial", "size": 20, "media": []any{},
			}
		}
		tmpls := make([]map[string]any, len(m.Templates))
		for i, t := range m.Templates {
			tmpls[i] = map[string]any{
				"name": t.Name, "ord": i, "qfmt": t.Qfmt, "afmt": t.Afmt,
				"bqfmt": "", "bafmt": "", "did": nil,
			}
		}
		// req says which fields make each template renderable; field 0
		// suffices for the models this exporter produces.
		req := make([][]any, len(m.Templates))
		for i := range req {
			req[i] = []any{i, "any", []int{0}}
		}
		out[strconv.FormatInt(m.ID, 10)] = map[string]any{
			"id":        m.ID,
			"name":      m.Name,
			"type":      int(m.Type),
			"mod":       nowSec,
			"usn":       -1,
			"sortf":     0,
			"did":       1,
			"flds":      flds,
			"tmpls":     tmpls,
			"css":       m.CSS,
			"latexPre":  latexPre,
			"latexPost": latexPost,
			"req":       req,
			"tags":      []any{},
			"vers":      []any{},
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", apperr.Internal("anki.modelsBlob", err)
	}
	return string(b), nil
}

const (
	latexPre  = "\\documentclass[12pt]{article}\n\\special{papersize=3in,5in}\n\\usepackage[utf8]{inputenc}\n\\usepackage{amssymb,amsmath}\n\\pagestyle{empty}\n\\setlength{\\parindent}{0in}\n\\begin{document}\n"
	latexPost = "\\end{document}"
)

func decksBlob(deck *Deck, nowSec int64) (string, error) {
	mk := func(id int64, name, desc string) map[string]any {
		return map[string]any{
			"id": id, "name": name, "desc": desc,
			"mod": nowSec, "usn": -1, "collapsed": false, "dyn": 0, "conf": 1,
			"extendNew": 10, "extendRev": 50,
			"newToday": []int{0, 0}, "revToday": []int{0, 0},
			"lrnToday": []int{0, 0}, "timeToday": []int{0, 0},
		}
	}
	out := map[string]any{"1": mk(1, "Default", "")}
	out[strconv.FormatInt(deck.ID, 10)] = mk(deck.ID, deck.Name, deck.Description)
	b, err := json.Marshal(out)
	if err != nil {
		return "", apperr.Internal("anki.decksBlob", err)
	}
	return string(b), nil
}

func confBlob(models []*Model) string {
	curModel := ""
	if len(models) > 0 {
		curModel = strconv.FormatInt(models[0].ID, 10)
	}
	b, _ := json.Marshal(map[string]any{
		"nextPos": 1, "estTimes": true, "activeDecks": []int{1},
		"sortType": "noteFld", "timeLim": 0, "sortBackwards": false,
		"addToCur": true, "curDeck": 1, "newBury": true, "newSpread": 0,
		"dueCounts": true, "curModel": curModel, "collapseTime": 1200,
	})
	return string(b)
}

const dconfBlob = `{"1":{"id":1,"name":"Default","autoplay":true,"dyn":false,"maxTaken":60,"replayq":true,"timer":0,"usn":-1,"mod":0,"new":{"bury":true,"delays":[1,10],"initialFactor":2500,"ints":[1,4,7],"order":1,"perDay":20,"separate":true},"rev":{"bury":true,"ease4":1.3,"fuzz":0.05,"ivlFct":1,"maxIvl":36500,"minSpace":1,"perDay":100},"lapse":{"delays":[10],"leechAction":0,"leechFails":8,"minInt":1,"mult":0}}}`

// ankiSchema is the collection.anki2 schema, version 11.
const ankiSchema = `
CREATE TABLE col (
	id     integer primary key,
	crt    integer not null,
	mod    integer not null,
	scm    integer not null,
	ver    integer not null,
	dty    integer not null,
	usn    integer not null,
	ls     integer not null,
	conf   text not null,
	models text not null,
	decks  text not null,
	dconf  text not null,
	tags   text not null
);
CREATE TABLE notes (
	id    integer primary key,
	guid  text not null,
	mid   integer not null,
	mod   integer not null,
	usn   integer not null,
	tags  text not null,
	flds  text not null,
	sfld  integer not null,
	csum  integer not null,
	flags integer not null,
	data  text not null
);
CREATE TABLE cards (
	id     integer primary key,
	nid    integer not null,
	did    integer not null,
	ord    integer not null,
	mod    integer not null,
	usn    integer not null,
	type   integer not null,
	queue  integer not null,
	due    integer not null,
	ivl    integer not null,
	factor integer not null,
	reps   integer not null,
	lapses integer not null,
	left   integer not null,
	odue   integer not null,
	odid   integer not null,
	flags  integer not null,
	data   text not null
);
CREATE TABLE revlog (
	id      integer primary key,
	cid     integer not null,
	usn     integer not null,
	ease    integer not null,
	ivl     integer not null,
	lastIvl integer not null,
	factor  integer not null,
	time    integer not null,
	type    integer not null
);
CREATE TABLE graves (
	usn  integer not null,
	oid  integer not null,
	type integer not null
);
CREATE INDEX ix_notes_usn ON notes (usn);
CREATE INDEX ix_cards_usn ON cards (usn);
CREATE INDEX ix_revlog_usn ON revlog (usn);
CREATE INDEX ix_cards_nid ON cards (nid);
CREATE INDEX ix_cards_sched ON cards (did, queue, due);
CREATE INDEX ix_revlog_cid ON revlog (cid);
CREATE INDEX ix_notes_csum ON notes (csum);
`

// Custom builds a caller-defined standard model.
func Custom(id int64, name string, fields []string, templates []Template, css string) (*Model, error) {
	if len(fields) == 0 || len(templates) == 0 {
		return nil, apperr.Validation("anki.Custom", "model %s needs fields and templates", name)
	}
	if css == "" {
		css = defaultCSS
	}
	m := &Model{ID: id, Name: name, Type: ModelStandard, Templates: templates, CSS: css}
	for _, f := range fields {
		m.Fields = append(m.Fields, Field{Name: f})
	}
	return m, nil
}

// String renders a ModelType for logs.
func (t ModelType) String() string {
	if t == ModelCloze {
		return "cloze"
	}
	return "standard"
}
