package fileutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

func ReadFileBytes(filename string) ([]byte, error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	buf := &bytes.Buffer{}
	_, readErr := io.Copy(buf, file)
	if readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), err
}

// WriteFileBytes replaces filename with data, creating parent directories of local paths.
func WriteFileBytes(filename string, data []byte) (err error) {
	if err = EnsureParentDir(filename); err != nil {
		return err
	}
	writer, err := NewFileWriter(filename)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, CloseFile(writer))
	}()
	_, err = writer.Write(data)
	return err
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + string(filepath.Separator) + filepath.Join(elem[1:]...)
	default:
		path = filepath.Join(elem...)
	}
	return path
}

// CopyFile replaces to with a byte-for-byte copy of from.
func CopyFile(ctx context.Context, from string, to string) error {
	if err := EnsureParentDir(to); err != nil {
		return err
	}
	exists, err := FileExists(to)
	if err != nil {
		return err
	}
	if exists {
		if err = DeleteFile(to); err != nil {
			return err
		}
	}
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func DeleteFile(filename string) error {
	return fileSystem.Delete(context.Background(), filename)
}

// DeleteIfExists removes filename and reports whether there was anything to remove.
func DeleteIfExists(filename string) (bool, error) {
	exists, err := FileExists(filename)
	if err != nil || !exists {
		return false, err
	}
	return true, DeleteFile(filename)
}

func CreateFile(fileName string, isDir bool) error {
	return fileSystem.Create(context.Background(), fileName, os.ModePerm, isDir)
}

// EnsureParentDir creates the parent directory of a local path when it does not exist yet.
// Object stores have no directories, so S3 paths are left alone.
func EnsureParentDir(filename string) error {
	if GetPathType(filename) == "S3" {
		return nil
	}
	dir := filepath.Dir(filename)
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	exists, err := FileExists(dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return CreateFile(dir, true)
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

func FileStats(filename string) (storage.Object, error) {
	return fileSystem.Object(context.Background(), filename)
}

// FileSize returns the size in bytes of a file.
func FileSize(filename string) (int64, error) {
	object, err := FileStats(filename)
	if err != nil {
		return 0, err
	}
	if object.IsDir() {
		return 0, fmt.Errorf("%s is a directory", filename)
	}
	return object.Size(), nil
}

// ListFiles returns the URLs of the regular files directly under dir whose extension
// is in extensions (lower case, with the dot), sorted by file name.
func ListFiles(ctx context.Context, dir string, extensions ...string) ([]string, error) {
	objects, err := fileSystem.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}
	type entry struct{ name, url string }
	var entries []entry
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(filepath.Ext(object.Name()))] {
			continue
		}
		entries = append(entries, entry{name: object.Name(), url: object.URL()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.url
	}
	return urls, nil
}

func NewFileWriter(filename string) (io.WriteCloser, error) {
	exists, err := FileExists(filename)
	if err != nil {
		return nil, err
	}
	if exists {
		err = fileSystem.Delete(context.Background(), filename)
		if err != nil {
			return nil, err
		}
	}
	return fileSystem.NewWriter(context.Background(), filename, 0o644, option.NewSkipChecksum(true))
}
