package output

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"relayverify/pkg/models"

	"github.com/sirupsen/logrus"
)

type fileRecord struct {
	key  string
	data interface{}
}

// AsyncFileOutput 异步文件输出器，后台批量写入
type AsyncFileOutput struct {
	outputDir string
	logger    *logrus.Logger
	files     map[string]*os.File

	records chan fileRecord
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	// 批量写入配置
	batchSize     int
	flushInterval time.Duration

	written int64
	failed  int64
}

// NewAsyncFileOutput 创建异步文件输出器
func NewAsyncFileOutput(outputDir string, logger *logrus.Logger) (*AsyncFileOutput, error) {
	files, err := createOutputFiles(outputDir)
	if err != nil {
		return nil, err
	}

	output := &AsyncFileOutput{
		outputDir:     outputDir,
		logger:        logger,
		files:         files,
		records:       make(chan fileRecord, 1000),
		batchSize:     100,
		flushInterval: time.Second,
	}

	output.wg.Add(1)
	go output.writer()

	logger.Info("异步文件输出器已初始化")
	return output, nil
}

// WriteResult 异步写入验证结果
func (o *AsyncFileOutput) WriteResult(result *models.VerificationResult) error {
	if result == nil {
		return nil
	}
	return o.enqueue(fileRecord{key: TopicResults, data: result})
}

// WriteProof 异步写入证明记录
func (o *AsyncFileOutput) WriteProof(record *models.ProofRecord) error {
	if record == nil {
		return nil
	}
	return o.enqueue(fileRecord{key: TopicProofs, data: record})
}

func (o *AsyncFileOutput) enqueue(record fileRecord) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return fmt.Errorf("文件输出器已关闭")
	}
	o.records <- record
	return nil
}

// writer 后台写入工作器，通道关闭后写完剩余数据
func (o *AsyncFileOutput) writer() {
	defer o.wg.Done()

	batch := make([]fileRecord, 0, o.batchSize)
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case record, ok := <-o.records:
			if !ok {
				o.flushBatch(batch)
				return
			}
			batch = append(batch, record)
			if len(batch) >= o.batchSize {
				o.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				o.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBatch 批量写入
func (o *AsyncFileOutput) flushBatch(batch []fileRecord) {
	dirty := make(map[string]*os.File)
	for _, record := range batch {
		data, err := json.Marshal(record.data)
		if err != nil {
			o.failed++
			o.logger.Errorf("序列化%s数据失败: %v", record.key, err)
			continue
		}

		file := o.files[record.key]
		data = append(data, '\n')
		if _, err := file.Write(data); err != nil {
			o.failed++
			o.logger.Errorf("写入%s文件失败: %v", record.key, err)
			continue
		}
		o.written++
		dirty[record.key] = file
	}

	for key, file := range dirty {
		if err := file.Sync(); err != nil {
			o.logger.Errorf("刷新%s文件失败: %v", key, err)
		}
	}
}

// Close 停止接收并写完剩余数据
func (o *AsyncFileOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.records)
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Infof("异步文件输出器已关闭，写入 %d 条，失败 %d 条", o.written, o.failed)

	return closeFiles(o.files)
}
