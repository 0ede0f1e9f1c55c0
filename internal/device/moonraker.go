package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"print-farm-orchestrator/internal/util"
)

// Client 是 Moonraker (Klipper) HTTP 接口的客户端
// 打印机和取板机共用同一套协议，只是查询的对象不同
type Client struct {
	HTTP   *http.Client
	logger *slog.Logger
}

// NewClient 创建一个新的 Moonraker 客户端
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		HTTP:   &http.Client{Timeout: timeout},
		logger: logger.With("component", "moonraker"),
	}
}

// moonrakerError 是 Moonraker 的错误响应体
type moonrakerError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// queryResponse 是 /printer/objects/query 的响应体
type queryResponse struct {
	Result struct {
		Status map[string]map[string]any `json:"status"`
	} `json:"result"`
}

func baseURL(address string) string {
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	return strings.TrimRight(address, "/")
}

// do 发送请求，并把 Trace ID 放入 HTTP Header 中，实现跨服务追踪
func (c *Client) do(ctx context.Context, method, address, path string, query url.Values, out any) error {
	logger := util.LoggerFromContext(ctx, c.logger).With("address", address, "path", path)

	u := baseURL(address) + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		req.Header.Set(util.TraceHeader, traceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		logger.Error("远程调用失败", "error", err)
		return fmt.Errorf("远程调用失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var me moonrakerError
		if json.Unmarshal(body, &me) == nil && me.Error != nil {
			logger.Warn("设备返回错误", "status", resp.Status, "message", me.Error.Message)
			return fmt.Errorf("设备错误 %d: %s", me.Error.Code, me.Error.Message)
		}
		logger.Warn("设备返回错误状态", "status", resp.Status)
		return fmt.Errorf("设备错误: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// RunScript 通过 /printer/gcode/script 执行 G-code 或宏，Moonraker 在脚本执行完毕后才返回
func (c *Client) RunScript(ctx context.Context, address, script string) error {
	return c.do(ctx, http.MethodPost, address, "/printer/gcode/script", url.Values{"script": {script}}, nil)
}

// QueryObjects 查询 Klipper 对象状态
func (c *Client) QueryObjects(ctx context.Context, address string, objects ...string) (map[string]map[string]any, error) {
	q := url.Values{}
	for _, o := range objects {
		q.Set(o, "")
	}
	var resp queryResponse
	if err := c.do(ctx, http.MethodGet, address, "/printer/objects/query", q, &resp); err != nil {
		return nil, err
	}
	return resp.Result.Status, nil
}

// StartPrint 通过 /printer/print/start 开始打印已上传的文件
func (c *Client) StartPrint(ctx context.Context, address, filename string) error {
	return c.do(ctx, http.MethodPost, address, "/printer/print/start", url.Values{"filename": {filename}}, nil)
}

// MoonrakerEjectors 通过 Moonraker 控制取板机
type MoonrakerEjectors struct {
	client *Client
	book   AddressBook
}

func NewMoonrakerEjectors(client *Client, book AddressBook) *MoonrakerEjectors {
	return &MoonrakerEjectors{client: client, book: book}
}

func (m *MoonrakerEjectors) ExecuteMacro(ctx context.Context, ejectorID int64, macro string) error {
	addr, err := m.book.EjectorAddress(ctx, ejectorID)
	if err != nil {
		return err
	}
	return m.client.RunScript(ctx, addr, macro)
}

// LiveStatus 根据 idle_timeout 对象的状态推断取板机是否空闲
func (m *MoonrakerEjectors) LiveStatus(ctx context.Context, ejectorID int64) (EjectorStatus, error) {
	addr, err := m.book.EjectorAddress(ctx, ejectorID)
	if err != nil {
		return EjectorOffline, err
	}
	status, err := m.client.QueryObjects(ctx, addr, "idle_timeout")
	if err != nil {
		return EjectorOffline, err
	}
	state, _ := status["idle_timeout"]["state"].(string)
	return ejectorStatusFromKlipper(state), nil
}

func ejectorStatusFromKlipper(state string) EjectorStatus {
	switch strings.ToLower(state) {
	case "ready", "idle":
		return EjectorOnline
	case "printing", "busy":
		return EjectorEjecting
	case "error", "shutdown":
		return EjectorIssue
	default:
		return EjectorOffline
	}
}

// MoonrakerPrinters 通过 Moonraker 控制 Klipper 打印机
type MoonrakerPrinters struct {
	client *Client
	book   AddressBook
}

func NewMoonrakerPrinters(client *Client, book AddressBook) *MoonrakerPrinters {
	return &MoonrakerPrinters{client: client, book: book}
}

func (m *MoonrakerPrinters) LiveStatus(ctx context.Context, printerID int64) (PrinterState, error) {
	addr, err := m.book.PrinterAddress(ctx, printerID)
	if err != nil {
		return PrinterState{Status: PrinterOffline}, err
	}
	status, err := m.client.QueryObjects(ctx, addr, "print_stats", "display_status")
	if err != nil {
		return PrinterState{Status: PrinterOffline}, err
	}
	ps := status["print_stats"]
	state, _ := ps["state"].(string)
	filename, _ := ps["filename"].(string)
	progress, _ := status["display_status"]["progress"].(float64)
	return PrinterState{
		Status:   printerStatusFromKlipper(state),
		Progress: progress * 100,
		Filename: filename,
	}, nil
}

func printerStatusFromKlipper(state string) PrinterStatus {
	switch strings.ToLower(state) {
	case "standby":
		return PrinterIdle
	case "printing":
		return PrinterPrinting
	case "paused":
		return PrinterPaused
	case "complete":
		return PrinterFinish
	case "error", "cancelled":
		return PrinterFailed
	default:
		return PrinterOffline
	}
}

func (m *MoonrakerPrinters) StartPrint(ctx context.Context, printerID int64, filename string) error {
	addr, err := m.book.PrinterAddress(ctx, printerID)
	if err != nil {
		return err
	}
	return m.client.StartPrint(ctx, addr, filename)
}

func (m *MoonrakerPrinters) SendGcode(ctx context.Context, printerID int64, script string) error {
	addr, err := m.book.PrinterAddress(ctx, printerID)
	if err != nil {
		return err
	}
	return m.client.RunScript(ctx, addr, script)
}
