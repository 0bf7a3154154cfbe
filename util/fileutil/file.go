package fileutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

// ReadFileBytes reads a whole file from the local filesystem or a remote store (s3://...).
func ReadFileBytes(filename string) (content []byte, err error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	buf := &bytes.Buffer{}
	if _, err = io.Copy(buf, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
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

func WalkDir() func(ctx context.Context, URL string, handler storage.OnVisit, options ...storage.Option) error {
	return fileSystem.Walk
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

// FindFiles walks dir and returns the full paths of the files with the given extension.
func FindFiles(dir string, extension string) ([]string, error) {
	var found []string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if !info.IsDir() && strings.HasSuffix(info.Name(), extension) {
			found = append(found, PathJoinSafe(dir, parent, info.Name()))
		}
		return true, nil
	}
	err := WalkDir()(context.Background(), dir, walker)
	return found, err
}
