package registry

import (
	"context"
	"slices"
)

// Lister 返回远端已知的文件名。
type Lister interface {
	ListAssets(ctx context.Context) ([]string, error)
}

// Registry 维护已知资源集合（有序、去重）以及至多一个选中项。
// 选中项若非空，必定是集合成员。Registry 不做并发保护，由持有者串行访问。
type Registry struct {
	names    []string
	selected string
}

func New() *Registry {
	return &Registry{}
}

// Refresh 从远端拉取列表并替换当前集合；失败时保持原状并返回错误。
func (r *Registry) Refresh(ctx context.Context, lister Lister) ([]string, error) {
	names, err := lister.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	r.Replace(names)
	return r.Names(), nil
}

// Replace 用给定列表替换集合。
// 原选中项不再存在时清空选择；集合从空变为非空且无选中项时自动选中第一个。
func (r *Registry) Replace(names []string) {
	wasEmpty := len(r.names) == 0
	r.names = normalize(names)

	if r.selected != "" && !r.Contains(r.selected) {
		r.selected = ""
	}
	r.autoSelect(wasEmpty)
}

// Select 设置选中项，文件名不在集合内时不做任何事。
func (r *Registry) Select(filename string) bool {
	if !r.Contains(filename) {
		return false
	}
	r.selected = filename
	return true
}

// ClearSelection 清空选中项。
func (r *Registry) ClearSelection() {
	r.selected = ""
}

// RecordUploaded 幂等地加入文件名并选中它。
func (r *Registry) RecordUploaded(filename string) {
	if filename == "" {
		return
	}
	if i, found := slices.BinarySearch(r.names, filename); !found {
		r.names = slices.Insert(r.names, i, filename)
	}
	r.selected = filename
}

// RecordDeleted 移除文件名；如果它正被选中则清空选择。
func (r *Registry) RecordDeleted(filename string) {
	if i, found := slices.BinarySearch(r.names, filename); found {
		r.names = slices.Delete(r.names, i, i+1)
	}
	if r.selected == filename {
		r.selected = ""
	}
}

// Contains 判断文件名是否在集合内。
func (r *Registry) Contains(filename string) bool {
	if filename == "" {
		return false
	}
	_, found := slices.BinarySearch(r.names, filename)
	return found
}

// Names 返回集合的副本。
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Selected 返回当前选中项，未选中时为空字符串。
func (r *Registry) Selected() string {
	return r.selected
}

func (r *Registry) autoSelect(wasEmpty bool) {
	if wasEmpty && len(r.names) > 0 && r.selected == "" {
		r.selected = r.names[0]
	}
}

func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name != "" {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
