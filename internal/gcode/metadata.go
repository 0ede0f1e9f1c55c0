// Package gcode 从切片软件生成的 .gcode 和 .3mf 文件中提取打印元数据。
//
// 只读取文件头部的注释，不解析运动指令。打印高度 (z) 是调度时
// 计算槽位净空的依据，会写入任务的 measurements。
package gcode

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// headerLines 是读取的头部行数，切片软件把汇总信息写在文件开头
const headerLines = 500

var (
	ErrUnsupported = errors.New("unsupported print file type")
	ErrNoPlate     = errors.New("no plate gcode in 3mf archive")
)

// Metadata 是切片文件中的打印参数，缺失的数值字段为 nil
type Metadata struct {
	FilamentUsedG *float64 `json:"filament_used_g,omitempty"`
	Duration      string   `json:"duration,omitempty"`
	FilamentType  string   `json:"filament_type,omitempty"`
	XMm           *float64 `json:"x,omitempty"`
	YMm           *float64 `json:"y,omitempty"`
	ZMm           *float64 `json:"z,omitempty"`
}

// Measurements 返回写入任务的尺寸，键与 types.PrintHeight 读取的一致
func (m Metadata) Measurements() map[string]any {
	out := make(map[string]any, 3)
	if m.ZMm != nil {
		out["z"] = *m.ZMm
	}
	if m.XMm != nil {
		out["x"] = *m.XMm
	}
	if m.YMm != nil {
		out["y"] = *m.YMm
	}
	return out
}

// 每项按顺序尝试，第一个命中的为准
// 不使用 layer_height 推断高度: 层高不是模型高度
var (
	filamentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`total filament weight \[g\]\s*:\s*([\d.]+)`),
		regexp.MustCompile(`filament used \[g\]\s*=\s*([\d.]+)`),
		regexp.MustCompile(`(?i)total filament used.*?(\d+\.?\d*)\s*g`),
	}
	durationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`total estimated time:\s*(.*)`),
		regexp.MustCompile(`estimated printing time.*?:\s*(.*)`),
		regexp.MustCompile(`TIME:\s*(.*)`),
	}
	heightPatterns = []*regexp.Regexp{
		regexp.MustCompile(`max_z_height:\s*([\d.]+)`),
		regexp.MustCompile(`max_layer_z\s*=\s*([\d.]+)`),
	}
	filamentTypePatterns = []*regexp.Regexp{
		regexp.MustCompile(`filament_type\s*=\s*(.*)`),
		regexp.MustCompile(`filament type.*?:\s*(.*)`),
	}
	platePattern = regexp.MustCompile(`^Metadata/plate_(\d+)\.gcode$`)
)

// ParseFile 按扩展名解析 .gcode 或 .3mf 文件
func ParseFile(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gcode":
		return ParseGcode(f)
	case ".3mf":
		info, err := f.Stat()
		if err != nil {
			return Metadata{}, err
		}
		return Parse3MF(f, info.Size())
	default:
		return Metadata{}, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupported)
	}
}

// ParseGcode 从 G-code 头部注释中提取元数据
func ParseGcode(r io.Reader) (Metadata, error) {
	header, err := readHeader(r, headerLines)
	if err != nil {
		return Metadata{}, err
	}
	return fromHeader(header), nil
}

// Parse3MF 解析切片后的 3MF 工程: 元数据来自编号最小的 plate_N.gcode，
// X/Y 尺寸来自同编号 plate_N.json 的 bbox_all
func Parse3MF(r io.ReaderAt, size int64) (Metadata, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return Metadata{}, fmt.Errorf("打开 3mf 失败: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	var plates []int
	for _, f := range zr.File {
		files[f.Name] = f
		if m := platePattern.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			plates = append(plates, n)
		}
	}
	if len(plates) == 0 {
		return Metadata{}, ErrNoPlate
	}
	sort.Ints(plates)
	plate := plates[0]

	rc, err := files[fmt.Sprintf("Metadata/plate_%d.gcode", plate)].Open()
	if err != nil {
		return Metadata{}, err
	}
	header, err := readHeader(rc, headerLines)
	rc.Close()
	if err != nil {
		return Metadata{}, err
	}
	md := fromHeader(header)

	jf, ok := files[fmt.Sprintf("Metadata/plate_%d.json", plate)]
	if !ok {
		return Metadata{}, fmt.Errorf("缺少 plate_%d.json: %w", plate, ErrNoPlate)
	}
	if err := applyBBox(&md, jf); err != nil {
		return Metadata{}, fmt.Errorf("解析 plate_%d.json 失败: %w", plate, err)
	}
	return md, nil
}

func applyBBox(md *Metadata, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	var plate struct {
		BBoxAll []float64 `json:"bbox_all"`
	}
	if err := json.NewDecoder(rc).Decode(&plate); err != nil {
		return err
	}
	// bbox_all = [min_x, min_y, max_x, max_y]
	if len(plate.BBoxAll) == 4 {
		x := round2(plate.BBoxAll[2] - plate.BBoxAll[0])
		y := round2(plate.BBoxAll[3] - plate.BBoxAll[1])
		md.XMm, md.YMm = &x, &y
	}
	return nil
}

func readHeader(r io.Reader, maxLines int) (string, error) {
	var b strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 0; n < maxLines && sc.Scan(); n++ {
		b.WriteString(sc.Text())
		b.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("读取 G-code 头部失败: %w", err)
	}
	return b.String(), nil
}

func fromHeader(header string) Metadata {
	return Metadata{
		FilamentUsedG: firstNumber(header, filamentPatterns),
		Duration:      firstString(header, durationPatterns),
		FilamentType:  firstString(header, filamentTypePatterns),
		ZMm:           firstNumber(header, heightPatterns),
	}
}

func firstString(s string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(s); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v
			}
		}
	}
	return ""
}

func firstNumber(s string, patterns []*regexp.Regexp) *float64 {
	for _, re := range patterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return &v
		}
	}
	return nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
