package workflow

import "strings"

// NormalizeHookPayload hook归一化层
// 把外部回调的任意payload整理成一个可以交给合并引擎的ContextPatch:
//   - 本身是对象的payload直接用(拷贝一份,不持有调用方的引用)
//   - 非对象payload包成 {"data": payload}
//   - destinationPath支持点分路径,为空时落在hookResponse下
//   - processName不为空时追加为路径的最后一段,同一实例上多个异步检查互不覆盖
//
// 这里只做形状整理,不做业务校验,业务校验是外部分析器的事情
func NormalizeHookPayload(rawPayload any, destinationPath string, processName string) *ContextPatch {
	var patch map[string]any
	switch payload := rawPayload.(type) {
	case nil:
		patch = make(map[string]any)
	case map[string]any:
		patch = cloneContextMap(payload)
	default:
		patch = map[string]any{"data": cloneContextValue(rawPayload)}
	}

	if destinationPath == "" {
		destinationPath = DefaultHookDestinationPath
	}
	path := strings.Split(destinationPath, ".")
	if processName != "" {
		path = append(path, processName)
	}

	return &ContextPatch{
		Patch:            patch,
		ArrayMergeOption: ArrayMergeReplace,
		DestinationPath:  path,
	}
}
