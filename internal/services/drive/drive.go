// Package drive backs annotator data up to Google Drive and exports a
// summary spreadsheet.
package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
)

const (
	AppFolder      = "Multilabelfy_Data"
	folderMimeType = "application/vnd.google-apps.folder"
)

type UploadedFile struct {
	Filename string `json:"filename"`
	FileID   string `json:"file_id"`
}

// Result reports the outcome of a backup operation.
type Result struct {
	Success         bool           `json:"success"`
	UploadedFiles   []UploadedFile `json:"uploaded_files,omitempty"`
	DownloadedFiles []string       `json:"downloaded_files,omitempty"`
	SheetURL        string         `json:"sheet_url,omitempty"`
	Errors          []string       `json:"errors"`
}

func newResult() Result {
	return Result{Success: true, Errors: []string{}}
}

func (r *Result) fail(format string, args ...any) {
	r.Success = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// remote is the subset of the Drive and Sheets APIs the service relies on.
type remote interface {
	find(ctx context.Context, name, parentID string, folder bool) (string, error)
	createFolder(ctx context.Context, name, parentID string) (string, error)
	create(ctx context.Context, name, parentID string, content io.Reader) (string, error)
	update(ctx context.Context, id string, content io.Reader) (string, error)
	download(ctx context.Context, id string) ([]byte, error)
	createSheet(ctx context.Context, title string, rows [][]any) (string, string, error)
	addParent(ctx context.Context, id, parentID string) error
}

type Service struct {
	remote   remote
	folderID string
	store    *storage.Store
}

// New authenticates and builds the Drive and Sheets clients. folderID, when
// set, replaces the Multilabelfy_Data/<user> layout.
func New(ctx context.Context, credentialsFile, tokenFile, folderID string, store *storage.Store) (*Service, error) {
	opts, err := ClientOptions(ctx, credentialsFile, tokenFile)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(ctx, folderID, store, opts...)
}

func NewWithOptions(ctx context.Context, folderID string, store *storage.Store, opts ...option.ClientOption) (*Service, error) {
	files, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}
	sh, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %w", err)
	}
	return &Service{
		remote:   &apiRemote{files: files, sheets: sh},
		folderID: folderID,
		store:    store,
	}, nil
}

func (s *Service) GetOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	id, err := s.remote.find(ctx, name, parentID, true)
	if err != nil {
		return "", fmt.Errorf("error getting folder %s: %w", name, err)
	}
	if id != "" {
		return id, nil
	}
	id, err = s.remote.createFolder(ctx, name, parentID)
	if err != nil {
		return "", fmt.Errorf("error creating folder %s: %w", name, err)
	}
	slog.Info("Created drive folder", "name", name, "id", id)
	return id, nil
}

// FindFile returns the id of the named file, or "" when there is none.
func (s *Service) FindFile(ctx context.Context, name, parentID string) (string, error) {
	id, err := s.remote.find(ctx, name, parentID, false)
	if err != nil {
		return "", fmt.Errorf("error finding file %s: %w", name, err)
	}
	return id, nil
}

// UploadFile creates the named file in the folder, or replaces the content
// of an existing file with the same name.
func (s *Service) UploadFile(ctx context.Context, localPath, name, folderID string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	existing, err := s.FindFile(ctx, name, folderID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		id, err := s.remote.update(ctx, existing, bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("error uploading %s: %w", name, err)
		}
		return id, nil
	}
	id, err := s.remote.create(ctx, name, folderID, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("error uploading %s: %w", name, err)
	}
	return id, nil
}

func (s *Service) DownloadFile(ctx context.Context, id string) ([]byte, error) {
	data, err := s.remote.download(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error downloading file %s: %w", id, err)
	}
	return data, nil
}

// userFolder resolves the annotator's folder. With create unset a missing
// folder yields "".
func (s *Service) userFolder(ctx context.Context, username string, create bool) (string, error) {
	if s.folderID != "" {
		return s.folderID, nil
	}
	app, err := s.GetOrCreateFolder(ctx, AppFolder, "")
	if err != nil {
		return "", err
	}
	if create {
		return s.GetOrCreateFolder(ctx, username, app)
	}
	id, err := s.remote.find(ctx, username, app, true)
	if err != nil {
		return "", fmt.Errorf("error finding folder for %s: %w", username, err)
	}
	return id, nil
}

// backedUp lists the documents copied to Drive; only the selections are required.
var backedUp = []struct {
	kind     storage.Kind
	required bool
}{
	{storage.KindSelections, true},
	{storage.KindComments, false},
}

// UploadUserData copies the annotator's documents into their Drive folder.
func (s *Service) UploadUserData(ctx context.Context, username string) Result {
	res := newResult()
	folder, err := s.userFolder(ctx, username, true)
	if err != nil {
		res.fail("General error: %v", err)
		return res
	}

	for _, doc := range backedUp {
		if err := ctx.Err(); err != nil {
			res.fail("Upload cancelled: %v", err)
			return res
		}
		name := storage.Filename(username, doc.kind)
		local := s.store.Path(username, doc.kind)
		if !s.store.Exists(username, doc.kind) {
			if doc.required {
				res.fail("Checkbox selections file not found: %s", local)
			}
			continue
		}
		id, err := s.UploadFile(ctx, local, name, folder)
		if err != nil {
			res.fail("Error uploading %s: %v", name, err)
			continue
		}
		res.UploadedFiles = append(res.UploadedFiles, UploadedFile{Filename: name, FileID: id})
		slog.Info("Uploaded file to drive", "username", username, "file", name, "id", id)
	}
	return res
}

// DownloadUserData replaces the local documents with the copies found on Drive.
func (s *Service) DownloadUserData(ctx context.Context, username string) Result {
	res := newResult()
	folder, err := s.userFolder(ctx, username, false)
	if err != nil {
		res.fail("General error: %v", err)
		return res
	}
	if folder == "" {
		res.fail("No data found for user %s on Google Drive", username)
		return res
	}

	for _, doc := range backedUp {
		if err := ctx.Err(); err != nil {
			res.fail("Download cancelled: %v", err)
			return res
		}
		name := storage.Filename(username, doc.kind)
		id, err := s.FindFile(ctx, name, folder)
		if err != nil {
			res.fail("Error downloading %s: %v", name, err)
			continue
		}
		if id == "" {
			if doc.required {
				res.fail("Checkbox selections file not found on Google Drive: %s", name)
			}
			continue
		}
		data, err := s.DownloadFile(ctx, id)
		if err != nil {
			res.fail("Failed to download %s: %v", name, err)
			continue
		}
		if err := writeFile(s.store.Path(username, doc.kind), data); err != nil {
			res.fail("Error saving %s: %v", name, err)
			continue
		}
		res.DownloadedFiles = append(res.DownloadedFiles, name)
		slog.Info("Downloaded file from drive", "username", username, "file", name)
	}
	return res
}

// escapeQuery quotes a value for a Drive search query literal.
func escapeQuery(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
}

// searchQuery builds the Drive files.list query used by find.
func searchQuery(name, parentID string, folder bool) string {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	if folder {
		q += fmt.Sprintf(" and mimeType = '%s'", folderMimeType)
	}
	if parentID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}
	return q
}

type apiRemote struct {
	files  *drive.Service
	sheets *sheets.Service
}

func (r *apiRemote) find(ctx context.Context, name, parentID string, folder bool) (string, error) {
	list, err := r.files.Files.List().
		Q(searchQuery(name, parentID, folder)).
		Fields("files(id, name)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func (r *apiRemote) createFolder(ctx context.Context, name, parentID string) (string, error) {
	f := &drive.File{Name: name, MimeType: folderMimeType}
	if parentID != "" {
		f.Parents = []string{parentID}
	}
	created, err := r.files.Files.Create(f).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

func (r *apiRemote) create(ctx context.Context, name, parentID string, content io.Reader) (string, error) {
	f := &drive.File{Name: name}
	if parentID != "" {
		f.Parents = []string{parentID}
	}
	created, err := r.files.Files.Create(f).Media(content).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

func (r *apiRemote) update(ctx context.Context, id string, content io.Reader) (string, error) {
	updated, err := r.files.Files.Update(id, &drive.File{}).Media(content).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return updated.Id, nil
}

func (r *apiRemote) download(ctx context.Context, id string) ([]byte, error) {
	resp, err := r.files.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (r *apiRemote) createSheet(ctx context.Context, title string, rows [][]any) (string, string, error) {
	ss, err := r.sheets.Spreadsheets.Create(&sheets.Spreadsheet{
		Properties: &sheets.SpreadsheetProperties{Title: title},
	}).Context(ctx).Do()
	if err != nil {
		return "", "", err
	}
	_, err = r.sheets.Spreadsheets.Values.Update(ss.SpreadsheetId, "A1", &sheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return "", "", err
	}
	return ss.SpreadsheetId, ss.SpreadsheetUrl, nil
}

func (r *apiRemote) addParent(ctx context.Context, id, parentID string) error {
	_, err := r.files.Files.Update(id, &drive.File{}).AddParents(parentID).Fields("id").Context(ctx).Do()
	return err
}

func writeFile(path string, data []byte) error {
	tmp := path + ".download"
	if err := storage.WriteRaw(tmp, data); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
