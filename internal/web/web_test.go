package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"print-farm-orchestrator/internal/types"
)

var testLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestStateTracker_JobLifecycle(t *testing.T) {
	st := NewStateTracker(nil)
	st.UpsertJob(&types.Job{ID: 7, Item: &types.PrintItem{FileName: "a.gcode"}, Status: types.JobQueued, OrchStatus: types.OrchAssigned, RackID: 1, StoreSlot: 3})
	st.UpdatePhase(7, "pre_print", "grab")
	st.UpsertJob(&types.Job{ID: 7, Item: &types.PrintItem{FileName: "a.gcode"}, Status: types.JobPrinting, OrchStatus: types.OrchPrinting, RackID: 1, StoreSlot: 3})

	v, ok := st.Job(7)
	if !ok {
		t.Fatal("任务视图缺失")
	}
	if v.Phase != "pre_print" || v.Status != "PRINTING" || v.File != "a.gcode" {
		t.Errorf("刷新任务时应保留阶段: %+v", v)
	}

	st.UpdateStatus(7, types.JobCompleted, types.OrchCompleted, "")
	v, _ = st.Job(7)
	if v.Status != "COMPLETED" || v.Step != "" {
		t.Errorf("结束后状态不正确: %+v", v)
	}
}

func TestStateTracker_NotificationsBounded(t *testing.T) {
	st := NewStateTracker(nil)
	for i := 0; i < maxNotifications+5; i++ {
		st.Notify(Notification{Type: "conflict", JobID: int64(i), Message: "m"})
	}
	snap := st.Snapshot()
	if len(snap.Notifications) != maxNotifications {
		t.Fatalf("预期保留 %d 条, 得到 %d", maxNotifications, len(snap.Notifications))
	}
	if snap.Notifications[0].JobID != 5 {
		t.Errorf("应丢弃最旧的通知, 首条为 %d", snap.Notifications[0].JobID)
	}
}

func TestHub_SendsSnapshotAndBroadcasts(t *testing.T) {
	hub := NewHub(testLogger)
	st := NewStateTracker(hub)
	st.UpsertJob(&types.Job{ID: 1, Status: types.JobQueued})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first GlobalState
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(msg, &first); err != nil {
		t.Fatal(err)
	}
	if _, ok := first.Jobs[1]; !ok {
		t.Fatalf("连接后应收到全量状态: %s", msg)
	}

	st.UpdatePhase(1, "printing", "")
	// 连接前排队的广播可能先到达，读到阶段更新为止
	for {
		_, msg, err = conn.ReadMessage()
		if err != nil {
			t.Fatalf("未收到阶段更新: %v", err)
		}
		if strings.Contains(string(msg), `"phase":"printing"`) {
			return
		}
	}
}

func TestHub_StoppedHubReleasesConnections(t *testing.T) {
	hub := NewHub(testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	before, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer before.Close()

	cancel()
	select {
	case <-hub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未退出")
	}

	// 已有连接被关闭，读循环不会卡在注销上
	_ = before.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := before.ReadMessage(); err == nil || isTimeout(err) {
		t.Fatalf("停止后已有连接应被关闭, 得到 %v", err)
	}

	// 停止后的新连接立即被关闭，而不是阻塞在注册上
	after, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer after.Close()
	_ = after.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := after.ReadMessage(); err == nil || isTimeout(err) {
		t.Fatalf("停止后的新连接应被关闭, 得到 %v", err)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("停止后不应保留连接, 得到 %d", hub.ClientCount())
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
