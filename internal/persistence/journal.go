package persistence

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert 是一条需要人工处理的告警
type Alert struct {
	ID        string    `json:"id"`
	JobID     int64     `json:"job_id"`
	RackID    int64     `json:"rack_id,omitempty"`
	Slot      int       `json:"slot,omitempty"`
	Severity  string    `json:"severity"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// LogEntry 代表日志文件中的一条记录
type LogEntry struct {
	Type  string `json:"type"`             // 日志类型: "ALERT" (新告警) 或 "ACK" (任务的告警已处理)
	Alert *Alert `json:"alert,omitempty"`  // 如果是新告警，包含完整的告警数据
	JobID int64  `json:"job_id,omitempty"` // 如果是确认，只包含任务 ID
}

// Journal 以追加写 JSON 行的方式记录告警，重启后未确认的告警仍然可见
type Journal struct {
	file        *os.File   // 日志文件句柄
	mu          sync.Mutex // 互斥锁，保证文件写入的原子性
	outstanding map[string]*Alert
}

// OpenJournal 创建或打开日志文件，并恢复未确认的告警
func OpenJournal(path string) (*Journal, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	j := &Journal{file: file, outstanding: make(map[string]*Alert)}
	if err := j.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) write(entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// 写入数据并在末尾添加换行符
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return j.file.Sync()
}

// Append 写入一条新告警，ID 和时间为空时自动补齐
func (j *Journal) Append(a Alert) (Alert, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := j.write(LogEntry{Type: "ALERT", Alert: &a}); err != nil {
		return a, err
	}
	stored := a
	j.outstanding[a.ID] = &stored
	return a, nil
}

// Ack 确认某个任务的全部告警，返回被确认的数量
func (j *Journal) Ack(jobID int64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := 0
	for _, a := range j.outstanding {
		if a.JobID == jobID {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := j.write(LogEntry{Type: "ACK", JobID: jobID}); err != nil {
		return 0, err
	}
	for id, a := range j.outstanding {
		if a.JobID == jobID {
			delete(j.outstanding, id)
		}
	}
	return n, nil
}

// Outstanding 返回未确认的告警，按时间排序
func (j *Journal) Outstanding() []Alert {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Alert, 0, len(j.outstanding))
	for _, a := range j.outstanding {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// recover 从日志文件中恢复未确认的告警
func (j *Journal) recover() error {
	// 将文件指针移动到开头以进行读取
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	scanner := bufio.NewScanner(j.file)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}

		switch entry.Type {
		case "ALERT":
			if entry.Alert != nil {
				j.outstanding[entry.Alert.ID] = entry.Alert
			}
		case "ACK":
			for id, a := range j.outstanding {
				if a.JobID == entry.JobID {
					delete(j.outstanding, id)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// 恢复文件指针到末尾，以便后续追加写入
	_, err := j.file.Seek(0, io.SeekEnd)
	return err
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
