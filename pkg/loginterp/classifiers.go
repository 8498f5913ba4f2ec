package loginterp

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/3leaps/coursepipe/pkg/jobregistry"
)

var (
	fetchCountRe  = regexp.MustCompile(`待检索\s*=\s*(\d+)\s*本`)
	fetchDoneRe   = regexp.MustCompile(`(?:完成|失败)\s*[:：]\s*《[^》]*》`)
	outlineRe     = regexp.MustCompile(`大纲重构\s*[:：]\s*(开始|成功|失败)(.*)$`)
	outputPathRe  = regexp.MustCompile(`输出文件\s*[:：]\s*(.+)$`)
	sectionDoneRe = regexp.MustCompile(`章节(?:完成|失败)\s*[:：]\s*(.+)$`)
	contentFailRe = regexp.MustCompile(`内容生成\s*[:：]\s*失败(.*)$`)
)

// Outline returns the interpreter for outline jobs.
func Outline() *Interpreter {
	return New(string(jobregistry.JobTypeOutline),
		CollectStart(),
		FetchCount(),
		FetchDone(),
		CollectDone(),
		OutlineStart(),
		OutlineSucceeded(),
		OutlineFailed(),
		OutputPath(),
		AllDone(jobregistry.StageOutline),
	)
}

// Content returns the interpreter for content jobs.
func Content() *Interpreter {
	return New(string(jobregistry.JobTypeContent),
		ContentStart(),
		SectionDone(),
		ContentFailed(),
		OutputPath(),
		AllDone(jobregistry.StageContent),
	)
}

func CollectStart() Classifier {
	return Classifier{
		Name:    "collect-start",
		Example: "开始检索资料",
		Match: func(line string, _ *jobregistry.Counters) (jobregistry.Change, bool) {
			if !strings.Contains(line, "开始检索") {
				return jobregistry.Change{}, false
			}
			return jobregistry.Change{
				Stage: withDetail(stage(jobregistry.StageCollect, jobregistry.StageRunning), "正在检索资料"),
			}, true
		},
	}
}

// FetchCount captures the number of sources announced for collection and
// resets the processed counter.
func FetchCount() Classifier {
	return Classifier{
		Name:    "fetch-count",
		Example: "待检索=5 本",
		Match: func(line string, c *jobregistry.Counters) (jobregistry.Change, bool) {
			m := fetchCountRe.FindStringSubmatch(line)
			if m == nil {
				return jobregistry.Change{}, false
			}
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return jobregistry.Change{}, false
			}
			c.TotalToFetch = n
			c.Processed = 0
			return jobregistry.Change{Stage: countProgress(jobregistry.StageCollect, 0, n)}, true
		},
	}
}

// FetchDone counts one finished source. Failures count as processed too.
func FetchDone() Classifier {
	return Classifier{
		Name:    "fetch-done",
		Example: "完成: 《线性代数导论》",
		Match: func(line string, c *jobregistry.Counters) (jobregistry.Change, bool) {
			if !fetchDoneRe.MatchString(line) {
				return jobregistry.Change{}, false
			}
			c.Processed++
			return jobregistry.Change{Stage: countProgress(jobregistry.StageCollect, c.Processed, c.TotalToFetch)}, true
		},
	}
}

func CollectDone() Classifier {
	return Classifier{
		Name:    "collect-ok",
		Example: "检索完成",
		Match: func(line string, _ *jobregistry.Counters) (jobregistry.Change, bool) {
			if !strings.Contains(line, "检索完成") {
				return jobregistry.Change{}, false
			}
			return jobregistry.Change{
				Stage: withDetail(stage(jobregistry.StageCollect, jobregistry.StageCompleted), "检索完成"),
			}, true
		},
	}
}

func OutlineStart() Classifier {
	return outlineMarker("outline-start", "大纲重构: 开始", "开始", func(string) *jobregistry.StageUpdate {
		return withDetail(withProgress(stage(jobregistry.StageOutline, jobregistry.StageRunning), 0), "正在生成大纲")
	})
}

func OutlineSucceeded() Classifier {
	return outlineMarker("outline-ok", "大纲重构: 成功", "成功", func(string) *jobregistry.StageUpdate {
		return withDetail(withProgress(stage(jobregistry.StageOutline, jobregistry.StageCompleted), 1), "大纲生成完成")
	})
}

func OutlineFailed() Classifier {
	return outlineMarker("outline-fail", "大纲重构: 失败 (超时)", "失败", func(rest string) *jobregistry.StageUpdate {
		return withDetail(stage(jobregistry.StageOutline, jobregistry.StageError), joinReason("大纲生成失败", rest))
	})
}

func outlineMarker(name, example, verb string, build func(rest string) *jobregistry.StageUpdate) Classifier {
	return Classifier{
		Name:    name,
		Example: example,
		Match: func(line string, _ *jobregistry.Counters) (jobregistry.Change, bool) {
			m := outlineRe.FindStringSubmatch(line)
			if m == nil || m[1] != verb {
				return jobregistry.Change{}, false
			}
			return jobregistry.Change{Stage: build(m[2])}, true
		},
	}
}

// OutputPath records the announced artifact and derives its sibling log file
// (<dir>/<stem>.log).
func OutputPath() Classifier {
	return Classifier{
		Name:    "output-path",
		Example: "输出文件: /data/out/线性代数.json",
		Match: func(line string, _ *jobregistry.Counters) (jobregistry.Change, bool) {
			m := outputPathRe.FindStringSubmatch(line)
			if m == nil {
				return jobregistry.Change{}, false
			}
			path := strings.Trim(strings.TrimSpace(m[1]), `"'`)
			if path == "" {
				return jobregistry.Change{}, false
			}
			return jobregistry.Change{OutputPath: path, LogPath: SiblingLogPath(path)}, true
		},
	}
}

// SiblingLogPath returns <dir>/<stem>.log for an output artifact path.
func SiblingLogPath(output string) string {
	dir, base := filepath.Split(output)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+".log")
}

// AllDone marks the final stage of a job type completed.
func AllDone(final jobregistry.StageID) Classifier {
	return Classifier{
		Name:    "all-done",
		Example: "全部完成",
		Match: func(line string, _ *jobregistry.Counters) (jobregistry.Change, bool) {
			if !strings.Contains(line, "全部完成") {
				return jobregistry.Change{}, false
			}
			return jobregistry.Change{
				Stage: withDetail(withProgress(stage(final, jobregistry.StageCompleted), 1), "全部完成"),
			}, true
		},
	}
}

func ContentStart() Classifier {
	return Classifier{
		Name:    "content-start",
		Example: "开始生成内容",
		Match: func(line string, c *jobregistry.Counters) (jobregistry.Change, bool) {
			if !strings.Contains(line, "开始生成内容") {
				return jobregistry.Change{}, false
			}
			c.Processed = 0
			u := stage(jobregistry.StageContent, jobregistry.StageRunning)
			if c.EstimatedTotal > 0 {
				return jobregistry.Change{Stage: countProgress(jobregistry.StageContent, 0, c.EstimatedTotal)}, true
			}
			return jobregistry.Change{Stage: withDetail(u, "正在生成内容")}, true
		},
	}
}

// SectionDone counts one finished section against the estimated total
// computed from the input outline.
func SectionDone() Classifier {
	return Classifier{
		Name:    "section-done",
		Example: "章节完成: 1.1 向量空间",
		Match: func(line string, c *jobregistry.Counters) (jobregistry.Change, bool) {
			if !sectionDoneRe.MatchString(line) {
				return jobregistry.Change{}, false
			}
			c.Processed++
			return jobregistry.Change{Stage: countProgress(jobregistry.StageContent, c.Processed, c.EstimatedTotal)}, true
		},
	}
}

func ContentFailed() Classifier {
	return Classifier{
		Name:    "content-fail",
		Example: "内容生成: 失败 (配额不足)",
		Match: func(line string, _ *jobregistry.Counters) (jobregistry.Change, bool) {
			m := contentFailRe.FindStringSubmatch(line)
			if m == nil {
				return jobregistry.Change{}, false
			}
			return jobregistry.Change{
				Stage: withDetail(stage(jobregistry.StageContent, jobregistry.StageError), joinReason("内容生成失败", m[1])),
			}, true
		},
	}
}

func joinReason(base, rest string) string {
	rest = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(rest), ":：,，-"))
	if rest == "" {
		return base
	}
	return base + ": " + rest
}
