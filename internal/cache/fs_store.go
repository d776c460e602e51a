package cache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

const blobSuffix = ".blob"

// generationMarker 标记由缓存创建的代际目录；Generations/DropGeneration 只处理带标记的目录，
// StoragePath 下的其他目录保持原样。
const generationMarker = ".media-cache-generation"

var errForeignDirectory = errors.New("not a cache generation directory")

// NewFileStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<basePath>/<generation>/<xx>/<xxhash64(key)>.blob
//
// 每个 blob 由一行 JSON 头部（key/content_type/stored_at）与紧随其后的原始正文组成。
func NewFileStore(basePath, generation string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := checkGeneration(generation); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	genDir := filepath.Join(abs, generation)
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	if err := markGeneration(genDir, generation); err != nil {
		return nil, fmt.Errorf("mark cache generation: %w", err)
	}

	return &fileStore{
		basePath:   abs,
		generation: generation,
	}, nil
}

// fileStore 通过 keyLocks 避免同一 key 并发写入同一临时文件，读路径不加锁，
// 依赖 rename 的原子性保证读到的永远是完整 blob。
type fileStore struct {
	basePath   string
	generation string

	locks keyLocks
}

type blobHeader struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	StoredAt    time.Time `json:"stored_at"`
}

func (s *fileStore) Generation() string {
	return s.generation
}

func (s *fileStore) Get(ctx context.Context, key string) (*Resource, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	filePath := s.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, _, err := readHeader(reader)
	if err != nil {
		return nil, fmt.Errorf("read blob header: %w", err)
	}
	if header.Key != key {
		// xxhash 碰撞：文件属于另一个 key，按未命中处理。
		return nil, ErrNotFound
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read blob body: %w", err)
	}

	return &Resource{
		Key:         header.Key,
		ContentType: header.ContentType,
		Body:        body,
		StoredAt:    header.StoredAt,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key string, res *Resource) error {
	if err := validatePut(key, res); err != nil {
		return err
	}
	entry := stamp(key, res)

	unlock := s.locks.lock(key)
	defer unlock()

	filePath := s.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	headerLine, err := json.Marshal(blobHeader{
		Key:         entry.Key,
		ContentType: entry.ContentType,
		StoredAt:    entry.StoredAt,
	})
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	body := io.MultiReader(bytes.NewReader(headerLine), strings.NewReader("\n"), bytes.NewReader(entry.Body))
	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return classifyWriteError(err)
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	unlock := s.locks.lock(key)
	defer unlock()

	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	root := filepath.Join(s.basePath, s.generation)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := checkContext(ctx); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), blobSuffix) {
			return nil
		}
		size, err := blobBodySize(p)
		if err != nil {
			return nil
		}
		stats.Entries++
		stats.Bytes += size
		return nil
	})
	return stats, err
}

func (s *fileStore) Generations(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if isGenerationDir(filepath.Join(s.basePath, entry.Name())) {
			result = append(result, entry.Name())
		}
	}
	return result, nil
}

// DropGeneration 删除代际目录；不存在时视为成功，缺少标记的目录拒绝删除。
func (s *fileStore) DropGeneration(ctx context.Context, generation string) error {
	if err := checkGeneration(generation); err != nil {
		return err
	}
	dir := filepath.Join(s.basePath, generation)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if !isGenerationDir(dir) {
		return fmt.Errorf("drop %s: %w", dir, errForeignDirectory)
	}
	return os.RemoveAll(dir)
}

func markGeneration(dir, generation string) error {
	marker := filepath.Join(dir, generationMarker)
	if isGenerationDir(dir) {
		return nil
	}
	return os.WriteFile(marker, []byte(generation+"\n"), 0o644)
}

func isGenerationDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, generationMarker))
	return err == nil && info.Mode().IsRegular()
}

func (s *fileStore) Close() error {
	return nil
}

// entryPath 使用 key 的 xxhash64 作为文件名，前两位十六进制作为分片目录。
func (s *fileStore) entryPath(key string) string {
	sum := strconv.FormatUint(xxhash.Sum64String(key), 16)
	sum = strings.Repeat("0", 16-len(sum)) + sum
	return filepath.Join(s.basePath, s.generation, sum[:2], sum+blobSuffix)
}

func readHeader(reader *bufio.Reader) (blobHeader, int64, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return blobHeader{}, 0, err
	}
	var header blobHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return blobHeader{}, 0, err
	}
	return header, int64(len(line)), nil
}

func blobBodySize(p string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	_, headerLen, err := readHeader(bufio.NewReader(f))
	if err != nil {
		return 0, err
	}
	return info.Size() - headerLen, nil
}

// classifyWriteError 把磁盘写满映射为 ErrQuotaExceeded，方便上层统一识别存储耗尽。
func classifyWriteError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

func checkGeneration(generation string) error {
	if generation == "" || generation == "." || generation == ".." ||
		strings.ContainsAny(generation, `/\`) {
		return fmt.Errorf("invalid cache generation %q", generation)
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func (s *fileStore) size(ctx context.Context, key string) (int64, error) {
	n, err := blobBodySize(s.entryPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotFound
	}
	return n, err
}
