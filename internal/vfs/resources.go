package vfs

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// ResourceType tags the concrete kind of a resource row.
type ResourceType string

const (
	TypeFile     ResourceType = "file"
	TypeTextbook ResourceType = "textbook"
	TypeNote     ResourceType = "note"
	TypeExam     ResourceType = "exam"
	TypeEssay    ResourceType = "essay"
)

// FileStatus is the processing state of a document resource.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusExtracting FileStatus = "extracting"
	StatusRendering  FileStatus = "rendering"
	StatusOCR        FileStatus = "ocr"
	StatusIndexing   FileStatus = "indexing"
	StatusReady      FileStatus = "ready"
	StatusFailed     FileStatus = "failed"
)

// validStatusTransitions encodes the file processing state machine.
var validStatusTransitions = map[FileStatus][]FileStatus{
	StatusPending:    {StatusExtracting, StatusFailed},
	StatusExtracting: {StatusRendering, StatusFailed},
	StatusRendering:  {StatusOCR, StatusFailed},
	StatusOCR:        {StatusIndexing, StatusFailed},
	StatusIndexing:   {StatusReady, StatusFailed},
	StatusFailed:     {StatusPending},
	StatusReady:      {StatusPending}, // reprocess
}

// Resource is the common header shared by all resource kinds.
type Resource struct {
	ID          string       `json:"id"`
	Type        ResourceType `json:"type"`
	DisplayName string       `json:"display_name"`
	FolderID    string       `json:"folder_id,omitempty"`
	Favorite    bool         `json:"favorite"`
	DeletedAt   string       `json:"deleted_at,omitempty"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
}

// File carries the document-specific columns for file/textbook resources.
type File struct {
	Resource
	FileName      string     `json:"file_name"`
	Size          int64      `json:"size"`
	PageCount     *int       `json:"page_count,omitempty"`
	BlobHash      string     `json:"blob_hash,omitempty"`
	OCRJSON       string     `json:"ocr_json,omitempty"`
	ExtractedText string     `json:"extracted_text,omitempty"`
	PreviewJSON   string     `json:"preview_json,omitempty"`
	Status        FileStatus `json:"status"`
	TagsJSON      string     `json:"tags_json"`
	BookmarksJSON string     `json:"bookmarks_json"`
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// insertResource creates the header row inside tx.
func insertResource(tx *sql.Tx, id string, typ ResourceType, name string) error {
	now := nowRFC3339()
	_, err := tx.Exec(
		"INSERT INTO resources (id, type, display_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, string(typ), name, now, now,
	)
	return err
}

// CreateFileParams holds everything needed to register a document.
type CreateFileParams struct {
	ID       string // optional; generated when empty
	Type     ResourceType
	FileName string
	Size     int64
	BlobHash string // must already exist in the blob table
}

// CreateFile inserts a file or textbook resource and retains its blob.
func (s *Store) CreateFile(p CreateFileParams) (*File, error) {
	if p.FileName == "" {
		return nil, apperr.Validation("vfs.CreateFile", "file name required")
	}
	if p.Type == "" {
		p.Type = TypeFile
	}
	if p.Type != TypeFile && p.Type != TypeTextbook {
		return nil, apperr.Validation("vfs.CreateFile", "type %q is not a document type", p.Type)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, apperr.Database("vfs.CreateFile", err)
	}
	defer tx.Rollback()

	if err := insertResource(tx, p.ID, p.Type, p.FileName); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "vfs.CreateFile", err, "resource id %q conflicts", p.ID)
	}
	if _, err := tx.Exec(
		"INSERT INTO files (resource_id, file_name, size, blob_hash) VALUES (?, ?, ?, ?)",
		p.ID, p.FileName, p.Size, nullable(p.BlobHash),
	); err != nil {
		return nil, apperr.Database("vfs.CreateFile", err)
	}
	if p.BlobHash != "" {
		if err := retainBlob(tx, p.BlobHash); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "vfs.CreateFile", err, "blob link failed")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Database("vfs.CreateFile", err)
	}

	s.events.EmitChange("resources/"+p.ID, ChangeCreated)
	logging.VFS("created %s %s (%s)", p.Type, p.ID, p.FileName)
	return s.GetFile(p.ID)
}

// CreateNote inserts a note resource.
func (s *Store) CreateNote(name, content string) (string, error) {
	if name == "" {
		return "", apperr.Validation("vfs.CreateNote", "name required")
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", apperr.Database("vfs.CreateNote", err)
	}
	defer tx.Rollback()

	if err := insertResource(tx, id, TypeNote, name); err != nil {
		return "", apperr.Database("vfs.CreateNote", err)
	}
	if _, err := tx.Exec("INSERT INTO notes (resource_id, content) VALUES (?, ?)", id, content); err != nil {
		return "", apperr.Database("vfs.CreateNote", err)
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Database("vfs.CreateNote", err)
	}
	s.events.EmitChange("resources/"+id, ChangeCreated)
	return id, nil
}

// CreateExam inserts an exam question resource.
func (s *Store) CreateExam(name, subject, content string) (string, error) {
	if name == "" {
		return "", apperr.Validation("vfs.CreateExam", "name required")
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", apperr.Database("vfs.CreateExam", err)
	}
	defer tx.Rollback()

	if err := insertResource(tx, id, TypeExam, name); err != nil {
		return "", apperr.Database("vfs.CreateExam", err)
	}
	if _, err := tx.Exec("INSERT INTO exams (resource_id, subject, content) VALUES (?, ?, ?)", id, subject, content); err != nil {
		return "", apperr.Database("vfs.CreateExam", err)
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Database("vfs.CreateExam", err)
	}
	s.events.EmitChange("resources/"+id, ChangeCreated)
	return id, nil
}

// CreateEssay inserts an essay resource.
func (s *Store) CreateEssay(name, prompt, draft string) (string, error) {
	if name == "" {
		return "", apperr.Validation("vfs.CreateEssay", "name required")
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", apperr.Database("vfs.CreateEssay", err)
	}
	defer tx.Rollback()

	if err := insertResource(tx, id, TypeEssay, name); err != nil {
		return "", apperr.Database("vfs.CreateEssay", err)
	}
	if _, err := tx.Exec("INSERT INTO essays (resource_id, prompt, draft) VALUES (?, ?, ?)", id, prompt, draft); err != nil {
		return "", apperr.Database("vfs.CreateEssay", err)
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Database("vfs.CreateEssay", err)
	}
	s.events.EmitChange("resources/"+id, ChangeCreated)
	return id, nil
}

// GetFile loads a file/textbook resource.
func (s *Store) GetFile(id string) (*File, error) {
	row := s.db.QueryRow(`
		SELECT r.id, r.type, r.display_name, COALESCE(r.folder_id, ''), r.favorite,
		       COALESCE(r.deleted_at, ''), r.created_at, r.updated_at,
		       f.file_name, f.size, f.page_count, COALESCE(f.blob_hash, ''),
		       COALESCE(f.ocr_json, ''), COALESCE(f.extracted_text, ''),
		       COALESCE(f.preview_json, ''), f.status, f.tags_json, f.bookmarks_json
		FROM resources r JOIN files f ON f.resource_id = r.id
		WHERE r.id = ?`, id)

	var f File
	var favorite int
	var pageCount sql.NullInt64
	err := row.Scan(&f.ID, &f.Type, &f.DisplayName, &f.FolderID, &favorite,
		&f.DeletedAt, &f.CreatedAt, &f.UpdatedAt,
		&f.FileName, &f.Size, &pageCount, &f.BlobHash,
		&f.OCRJSON, &f.ExtractedText, &f.PreviewJSON, &f.Status, &f.TagsJSON, &f.BookmarksJSON)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("vfs.GetFile", "resource %s not found", id)
	}
	if err != nil {
		return nil, apperr.Database("vfs.GetFile", err)
	}
	f.Favorite = favorite != 0
	if pageCount.Valid {
		pc := int(pageCount.Int64)
		f.PageCount = &pc
	}
	return &f, nil
}

// SetFileStatus advances the processing state machine. Invalid transitions
// are validation errors.
func (s *Store) SetFileStatus(id string, next FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current FileStatus
	err := s.db.QueryRow("SELECT status FROM files WHERE resource_id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return apperr.NotFound("vfs.SetFileStatus", "resource %s not found", id)
	}
	if err != nil {
		return apperr.Database("vfs.SetFileStatus", err)
	}

	allowed := false
	for _, t := range validStatusTransitions[current] {
		if t == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperr.Validation("vfs.SetFileStatus", "illegal transition %s -> %s", current, next)
	}

	if _, err := s.db.Exec(
		"UPDATE files SET status = ? WHERE resource_id = ?", string(next), id,
	); err != nil {
		return apperr.Database("vfs.SetFileStatus", err)
	}
	if _, err := s.db.Exec(
		"UPDATE resources SET updated_at = ? WHERE id = ?", nowRFC3339(), id,
	); err != nil {
		return apperr.Database("vfs.SetFileStatus", err)
	}
	s.events.EmitChange("resources/"+id, ChangeUpdated)
	logging.VFSDebug("file %s status %s -> %s", id, current, next)
	return nil
}

// UpdateFileContent stores derived extraction results.
func (s *Store) UpdateFileContent(id string, pageCount *int, ocrJSON, extractedText, previewJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE files SET page_count = COALESCE(?, page_count),
		                 ocr_json = COALESCE(NULLIF(?, ''), ocr_json),
		                 extracted_text = COALESCE(NULLIF(?, ''), extracted_text),
		                 preview_json = COALESCE(NULLIF(?, ''), preview_json)
		WHERE resource_id = ?`,
		intOrNil(pageCount), ocrJSON, extractedText, previewJSON, id)
	if err != nil {
		return apperr.Database("vfs.UpdateFileContent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("vfs.UpdateFileContent", "resource %s not found", id)
	}
	s.events.EmitChange("resources/"+id, ChangeUpdated)
	return nil
}

// =============================================================================
// TRI-STATE DELETION: soft delete -> restore | purge
// =============================================================================

// SoftDelete hides a resource from normal listings.
func (s *Store) SoftDelete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE resources SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL",
		nowRFC3339(), nowRFC3339(), id)
	if err != nil {
		return apperr.Database("vfs.SoftDelete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("vfs.SoftDelete", "resource %s not found or already deleted", id)
	}
	s.events.EmitChange("resources/"+id, ChangeDeleted)
	return nil
}

// Restore undoes a soft delete.
func (s *Store) Restore(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE resources SET deleted_at = NULL, updated_at = ? WHERE id = ? AND deleted_at IS NOT NULL",
		nowRFC3339(), id)
	if err != nil {
		return apperr.Database("vfs.Restore", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("vfs.Restore", "resource %s not found in trash", id)
	}
	s.events.EmitChange("resources/"+id, ChangeUpdated)
	return nil
}

// Purge permanently removes a soft-deleted resource. When deleteFile is
// true and the resource was the last referrer, the blob is released (and
// becomes sweepable). Purging a live resource is rejected: destructive
// deletes always go through soft delete first.
func (s *Store) Purge(id string, deleteFile bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Database("vfs.Purge", err)
	}
	defer tx.Rollback()

	var deletedAt sql.NullString
	err = tx.QueryRow("SELECT deleted_at FROM resources WHERE id = ?", id).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return apperr.NotFound("vfs.Purge", "resource %s not found", id)
	}
	if err != nil {
		return apperr.Database("vfs.Purge", err)
	}
	if !deletedAt.Valid {
		return apperr.Validation("vfs.Purge", "resource %s is not soft-deleted", id)
	}

	if deleteFile {
		var blobHash sql.NullString
		err := tx.QueryRow("SELECT blob_hash FROM files WHERE resource_id = ?", id).Scan(&blobHash)
		if err != nil && err != sql.ErrNoRows {
			return apperr.Database("vfs.Purge", err)
		}
		if blobHash.Valid && blobHash.String != "" {
			if err := releaseBlob(tx, blobHash.String); err != nil {
				return apperr.Database("vfs.Purge", err)
			}
		}
	}

	if _, err := tx.Exec("DELETE FROM folder_items WHERE item_id = ?", id); err != nil {
		return apperr.Database("vfs.Purge", err)
	}
	if _, err := tx.Exec("DELETE FROM resources WHERE id = ?", id); err != nil {
		return apperr.Database("vfs.Purge", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Database("vfs.Purge", err)
	}
	s.events.EmitChange("resources/"+id, ChangePurged)
	logging.VFS("purged resource %s", id)
	return nil
}

// =============================================================================
// SEARCH AND LISTING
// =============================================================================

// SearchFiles finds live file/textbook resources whose name matches query.
// The query term is escaped for LIKE so user wildcards do not leak through.
func (s *Store) SearchFiles(query string, limit, offset int) ([]File, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + EscapeLike(query) + "%"
	rows, err := s.db.Query(`
		SELECT r.id FROM resources r JOIN files f ON f.resource_id = r.id
		WHERE r.deleted_at IS NULL
		  AND (r.display_name LIKE ? ESCAPE '\' OR f.file_name LIKE ? ESCAPE '\')
		ORDER BY r.updated_at DESC LIMIT ? OFFSET ?`,
		pattern, pattern, limit, offset)
	if err != nil {
		return nil, apperr.Database("vfs.SearchFiles", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Database("vfs.SearchFiles", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database("vfs.SearchFiles", err)
	}

	files := make([]File, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetFile(id)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, nil
}

// SearchResources finds live resources of a type by display name.
func (s *Store) SearchResources(typ ResourceType, query string, limit, offset int) ([]Resource, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + EscapeLike(query) + "%"
	rows, err := s.db.Query(`
		SELECT id, type, display_name, COALESCE(folder_id, ''), favorite,
		       COALESCE(deleted_at, ''), created_at, updated_at
		FROM resources
		WHERE deleted_at IS NULL AND type = ? AND display_name LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		string(typ), pattern, limit, offset)
	if err != nil {
		return nil, apperr.Database("vfs.SearchResources", err)
	}
	defer rows.Close()
	return scanResources(rows)
}

// ListTrash returns soft-deleted resources.
func (s *Store) ListTrash(limit int) ([]Resource, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, type, display_name, COALESCE(folder_id, ''), favorite,
		       COALESCE(deleted_at, ''), created_at, updated_at
		FROM resources WHERE deleted_at IS NOT NULL
		ORDER BY deleted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Database("vfs.ListTrash", err)
	}
	defer rows.Close()
	return scanResources(rows)
}

// SetFavorite toggles the favorite flag.
func (s *Store) SetFavorite(id string, fav bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("UPDATE resources SET favorite = ?, updated_at = ? WHERE id = ?",
		boolToInt(fav), nowRFC3339(), id)
	if err != nil {
		return apperr.Database("vfs.SetFavorite", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("vfs.SetFavorite", "resource %s not found", id)
	}
	return nil
}

func scanResources(rows *sql.Rows) ([]Resource, error) {
	var out []Resource
	for rows.Next() {
		var r Resource
		var favorite int
		if err := rows.Scan(&r.ID, &r.Type, &r.DisplayName, &r.FolderID, &favorite,
			&r.DeletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, apperr.Database("vfs.scanResources", err)
		}
		r.Favorite = favorite != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// FOLDERS - a DAG-free tree; cycles are rejected at insert time
// =============================================================================

// CreateFolder adds a folder under parentID ("" for root).
func (s *Store) CreateFolder(parentID, name string) (string, error) {
	if name == "" {
		return "", apperr.Validation("vfs.CreateFolder", "name required")
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	if parentID != "" {
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM folders WHERE id = ?", parentID).Scan(&exists); err != nil {
			return "", apperr.Database("vfs.CreateFolder", err)
		}
		if exists == 0 {
			return "", apperr.NotFound("vfs.CreateFolder", "parent folder %s not found", parentID)
		}
	}
	if _, err := s.db.Exec("INSERT INTO folders (id, parent_id, name) VALUES (?, ?, ?)",
		id, nullable(parentID), name); err != nil {
		return "", apperr.Database("vfs.CreateFolder", err)
	}
	s.events.EmitChange("folders/"+id, ChangeCreated)
	return id, nil
}

// MoveFolder reparents a folder, rejecting moves that would create a cycle.
func (s *Store) MoveFolder(id, newParentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newParentID != "" {
		// Walk up from the new parent; hitting id means a cycle.
		cursor := newParentID
		for cursor != "" {
			if cursor == id {
				return apperr.Validation("vfs.MoveFolder", "move would create a cycle")
			}
			var parent sql.NullString
			err := s.db.QueryRow("SELECT parent_id FROM folders WHERE id = ?", cursor).Scan(&parent)
			if err == sql.ErrNoRows {
				return apperr.NotFound("vfs.MoveFolder", "folder %s not found", cursor)
			}
			if err != nil {
				return apperr.Database("vfs.MoveFolder", err)
			}
			cursor = parent.String
		}
	}

	res, err := s.db.Exec("UPDATE folders SET parent_id = ? WHERE id = ?", nullable(newParentID), id)
	if err != nil {
		return apperr.Database("vfs.MoveFolder", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("vfs.MoveFolder", "folder %s not found", id)
	}
	s.events.EmitChange("folders/"+id, ChangeUpdated)
	return nil
}

// PutFolderItem places an item into a folder. Each item has at most one
// folder membership; re-placing moves it.
func (s *Store) PutFolderItem(folderID string, itemType ResourceType, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM folders WHERE id = ?", folderID).Scan(&exists); err != nil {
		return apperr.Database("vfs.PutFolderItem", err)
	}
	if exists == 0 {
		return apperr.NotFound("vfs.PutFolderItem", "folder %s not found", folderID)
	}

	if _, err := s.db.Exec(`
		INSERT INTO folder_items (folder_id, item_type, item_id) VALUES (?, ?, ?)
		ON CONFLICT(item_type, item_id) DO UPDATE SET folder_id = excluded.folder_id`,
		folderID, string(itemType), itemID); err != nil {
		return apperr.Database("vfs.PutFolderItem", err)
	}
	if _, err := s.db.Exec("UPDATE resources SET folder_id = ? WHERE id = ?", folderID, itemID); err != nil {
		return apperr.Database("vfs.PutFolderItem", err)
	}
	return nil
}

// ListFolderItems returns the item ids in a folder.
func (s *Store) ListFolderItems(folderID string) ([]string, error) {
	rows, err := s.db.Query("SELECT item_id FROM folder_items WHERE folder_id = ? ORDER BY item_id", folderID)
	if err != nil {
		return nil, apperr.Database("vfs.ListFolderItems", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Database("vfs.ListFolderItems", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnsureRootFolder returns the folder named name at the root, creating it
// on first use. Creation is reported through the returned flag so callers
// can surface it once instead of silently masking misconfiguration.
func (s *Store) EnsureRootFolder(name string) (id string, created bool, err error) {
	s.mu.Lock()
	row := s.db.QueryRow("SELECT id FROM folders WHERE parent_id IS NULL AND name = ?", name)
	err = row.Scan(&id)
	s.mu.Unlock()
	if err == nil {
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, apperr.Database("vfs.EnsureRootFolder", err)
	}
	id, err = s.CreateFolder("", name)
	if err != nil {
		return "", false, err
	}
	logging.VFS("auto-created root folder %q (%s)", name, id)
	return id, true, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
