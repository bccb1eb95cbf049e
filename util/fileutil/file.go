package fileutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

func ReadFileBytes(ctx context.Context, filename string) (content []byte, err error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	buf := &bytes.Buffer{}
	if _, readErr := io.Copy(buf, file); readErr != nil {
		return nil, readErr
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

func OpenFile(ctx context.Context, filename string) (io.ReadCloser, error) {
	return fileSystem.OpenURL(ctx, filename)
}

// ReadLine returns a single line (without the ending \n)
// from the input buffered reader.
// This avoids the 65K char line limit of bufio.Scanner.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
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

// Dir returns the parent location of path, keeping the s3:// prefix intact.
func Dir(path string) string {
	if GetPathType(path) == "S3" {
		idx := strings.LastIndex(strings.TrimSuffix(path, "/"), "/")
		if idx <= len("s3://") {
			return path
		}
		return path[:idx]
	}
	return filepath.Dir(path)
}

func WalkDir() func(ctx context.Context, URL string, handler storage.OnVisit, options ...storage.Option) error {
	return fileSystem.Walk
}

func CreateFile(ctx context.Context, fileName string, isDir bool) error {
	return fileSystem.Create(ctx, fileName, os.ModePerm, isDir)
}

func FileExists(ctx context.Context, filename string) (bool, error) {
	return fileSystem.Exists(ctx, filename)
}

func IsDir(ctx context.Context, filename string) (bool, error) {
	object, err := fileSystem.Object(ctx, filename)
	if err != nil {
		return false, err
	}
	return object.IsDir(), nil
}

func NewFileWriter(ctx context.Context, filename string) (io.WriteCloser, error) {
	exists, err := FileExists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		if err = fileSystem.Delete(ctx, filename); err != nil {
			return nil, err
		}
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}
