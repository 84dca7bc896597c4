package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relayverify/internal/errors"
	"relayverify/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/attempts.db"

	// 存储桶名称
	AttemptsBucket = "attempts"
	IndexBucket    = "attempt_index"
	ProgressBucket = "progress"

	// 进度键
	LastVerifiedBlockKey = "last_verified_block"
	LastVerifiedHashKey  = "last_verified_hash"
	LastUpdateTimeKey    = "last_update_time"
	TotalsKey            = "totals"
)

// Totals 累计统计
type Totals struct {
	Attempts  uint64 `json:"attempts"`
	Confirmed uint64 `json:"confirmed"`
	Reverted  uint64 `json:"reverted"`
	Failed    uint64 `json:"failed"`
	DryRun    uint64 `json:"dry_run"`
}

// ProgressInfo 验证进度
type ProgressInfo struct {
	LastVerified   *models.BlockReference `json:"last_verified,omitempty"`
	LastUpdateTime time.Time              `json:"last_update_time"`
	Totals         Totals                 `json:"totals"`
}

// Filter 查询条件
type Filter struct {
	Status models.ResultStatus
	Query  string
	Limit  int
}

// Store 验证尝试历史，基于 bbolt
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	cache *ProgressInfo
}

// NewStore 打开或创建历史数据库
func NewStore(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, storageError("创建数据目录失败", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, storageError("打开历史数据库失败", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		cache:  &ProgressInfo{},
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, storageError("初始化数据库失败", err)
	}

	if err := s.loadCache(); err != nil {
		logger.Warnf("加载进度缓存失败: %v", err)
	}

	logger.Infof("验证历史已打开，数据库路径: %s", dbPath)
	return s, nil
}

func storageError(message string, err error) *errors.VerifyError {
	return errors.WrapError(err, errors.ErrorTypeStorage, errors.StepUnknown, message).WithComponent("store")
}

func (s *Store) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{AttemptsBucket, IndexBucket, ProgressBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) loadCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ProgressBucket))

		number := bucket.Get([]byte(LastVerifiedBlockKey))
		hash := bucket.Get([]byte(LastVerifiedHashKey))
		if len(number) == 4 && len(hash) == common.HashLength {
			s.cache.LastVerified = &models.BlockReference{
				Number: binary.BigEndian.Uint32(number),
				Hash:   common.BytesToHash(hash),
			}
		}

		if data := bucket.Get([]byte(LastUpdateTimeKey)); data != nil {
			var t time.Time
			if err := json.Unmarshal(data, &t); err == nil {
				s.cache.LastUpdateTime = t
			}
		}

		if data := bucket.Get([]byte(TotalsKey)); data != nil {
			if err := json.Unmarshal(data, &s.cache.Totals); err != nil {
				return fmt.Errorf("解析累计统计失败: %w", err)
			}
		}
		return nil
	})
}

// SaveResult 保存一次尝试的结果并更新进度
func (s *Store) SaveResult(result *models.VerificationResult) error {
	if result == nil || result.AttemptID == "" {
		return errors.NewValidationError(errors.StepUnknown, "结果缺少尝试ID").WithComponent("store")
	}

	data, err := json.Marshal(result)
	if err != nil {
		return storageError("序列化结果失败", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	totals := s.cache.Totals
	totals.Attempts++
	switch result.Status {
	case models.ResultConfirmed:
		totals.Confirmed++
	case models.ResultReverted:
		totals.Reverted++
	case models.ResultDryRun:
		totals.DryRun++
	default:
		totals.Failed++
	}
	now := time.Now()

	err = s.db.Update(func(tx *bolt.Tx) error {
		attempts := tx.Bucket([]byte(AttemptsBucket))
		index := tx.Bucket([]byte(IndexBucket))
		progress := tx.Bucket([]byte(ProgressBucket))

		key := index.Get([]byte(result.AttemptID))
		if key == nil {
			seq, err := attempts.NextSequence()
			if err != nil {
				return err
			}
			key = make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := index.Put([]byte(result.AttemptID), key); err != nil {
				return err
			}
		}
		if err := attempts.Put(key, data); err != nil {
			return err
		}

		if result.Status == models.ResultConfirmed && result.Block != nil {
			number := make([]byte, 4)
			binary.BigEndian.PutUint32(number, result.Block.Number)
			if err := progress.Put([]byte(LastVerifiedBlockKey), number); err != nil {
				return err
			}
			if err := progress.Put([]byte(LastVerifiedHashKey), result.Block.Hash.Bytes()); err != nil {
				return err
			}
		}

		totalsData, err := json.Marshal(totals)
		if err != nil {
			return err
		}
		if err := progress.Put([]byte(TotalsKey), totalsData); err != nil {
			return err
		}
		timeData, err := json.Marshal(now)
		if err != nil {
			return err
		}
		return progress.Put([]byte(LastUpdateTimeKey), timeData)
	})
	if err != nil {
		return storageError("保存验证结果失败", err)
	}

	s.cache.Totals = totals
	s.cache.LastUpdateTime = now
	if result.Status == models.ResultConfirmed && result.Block != nil {
		block := *result.Block
		s.cache.LastVerified = &block
	}
	return nil
}

// GetResult 按尝试ID查询，不存在时返回 NotFoundError
func (s *Store) GetResult(attemptID string) (*models.VerificationResult, error) {
	var result *models.VerificationResult
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(IndexBucket)).Get([]byte(attemptID))
		if key == nil {
			return nil
		}
		data := tx.Bucket([]byte(AttemptsBucket)).Get(key)
		if data == nil {
			return nil
		}
		result = &models.VerificationResult{}
		return json.Unmarshal(data, result)
	})
	if err != nil {
		return nil, storageError("读取验证结果失败", err)
	}
	if result == nil {
		return nil, errors.NewNotFoundError(errors.StepUnknown, fmt.Sprintf("尝试 %s 不存在", attemptID), nil).
			WithComponent("store")
	}
	return result, nil
}

// ListResults 按时间倒序列出结果
func (s *Store) ListResults(filter Filter) ([]*models.VerificationResult, error) {
	results := make([]*models.VerificationResult, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(AttemptsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r models.VerificationResult
			if err := json.Unmarshal(v, &r); err != nil {
				s.logger.Warnf("跳过无法解析的记录 %x: %v", k, err)
				continue
			}
			if filter.Status != "" && r.Status != filter.Status {
				continue
			}
			if filter.Query != "" && r.Query != filter.Query {
				continue
			}
			results = append(results, &r)
			if filter.Limit > 0 && len(results) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageError("遍历验证历史失败", err)
	}
	return results, nil
}

// LastVerifiedBlock 最近一次确认成功的中继链区块
func (s *Store) LastVerifiedBlock() (models.BlockReference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache.LastVerified == nil {
		return models.BlockReference{}, false
	}
	return *s.cache.LastVerified, true
}

// GetProgress 获取进度信息副本
func (s *Store) GetProgress() *ProgressInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := &ProgressInfo{
		LastUpdateTime: s.cache.LastUpdateTime,
		Totals:         s.cache.Totals,
	}
	if s.cache.LastVerified != nil {
		block := *s.cache.LastVerified
		info.LastVerified = &block
	}
	return info
}

// Reset 清空历史和进度
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{AttemptsBucket, IndexBucket, ProgressBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storageError("清空验证历史失败", err)
	}

	s.cache = &ProgressInfo{}
	return nil
}

// GetDBPath 获取数据库路径
func (s *Store) GetDBPath() string {
	return s.dbPath
}

// GetStats 获取统计信息
func (s *Store) GetStats() map[string]interface{} {
	info := s.GetProgress()

	stats := map[string]interface{}{
		"attempts":         info.Totals.Attempts,
		"confirmed":        info.Totals.Confirmed,
		"reverted":         info.Totals.Reverted,
		"failed":           info.Totals.Failed,
		"dry_run":          info.Totals.DryRun,
		"last_update_time": info.LastUpdateTime.Format(time.RFC3339),
	}
	if info.LastVerified != nil {
		stats["last_verified_block"] = info.LastVerified.Number
		stats["last_verified_hash"] = info.LastVerified.Hash.Hex()
	}
	return stats
}

// Close 关闭数据库
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info("关闭验证历史数据库")
		return s.db.Close()
	}
	return nil
}
