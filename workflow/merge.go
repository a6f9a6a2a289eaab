package workflow

import (
	"github.com/pkg/errors"
)

// MergeContext 上下文合并引擎,纯函数
// 把patch合并进base的一份拷贝里并返回,不会修改base和patch
//   - destinationPath 不为空时,patch先嵌套到base拷贝里的这个路径下再合并,中间对象按需创建
//   - 合并按对象key递归: patch里的标量和数组直接覆盖base同key的值;
//     只有opt为ArrayMergeConcat且两边都是数组时才拼接(patch元素追加在后面,不去重)
//   - patch里的对象合并到base里的非对象值上无法调和,返回ErrMergeConflict
//
// 同一个base按同一顺序应用同一串patch,结果一定相同,重试安全
func MergeContext(base map[string]any, patch map[string]any, opt ArrayMergeOption, destinationPath []string) (map[string]any, error) {
	if opt != ArrayMergeReplace && opt != ArrayMergeConcat {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "unknown array merge option: %s", opt)
	}
	if base == nil {
		base = make(map[string]any)
	}
	if patch == nil {
		patch = make(map[string]any)
	}
	if len(destinationPath) > 0 {
		patch = nestPatchAtPath(destinationPath, patch)
	}
	return deepMergeMap(base, patch, opt, "")
}

// nestPatchAtPath 把patch包到destinationPath路径下
// 例如 path=["pluginsOutput","score"] 返回 {"pluginsOutput":{"score":patch}}
func nestPatchAtPath(path []string, patch map[string]any) map[string]any {
	nested := any(patch)
	for i := len(path) - 1; i >= 0; i-- {
		nested = map[string]any{path[i]: nested}
	}
	return nested.(map[string]any)
}

func deepMergeMap(base map[string]any, patch map[string]any, opt ArrayMergeOption, path string) (map[string]any, error) {
	result := cloneContextMap(base)
	for key, patchValue := range patch {
		keyPath := key
		if path != "" {
			keyPath = path + "." + key
		}
		baseValue, exists := result[key]
		patchMap, patchIsMap := patchValue.(map[string]any)
		if patchIsMap {
			if !exists {
				result[key] = cloneContextMap(patchMap)
				continue
			}
			baseMap, baseIsMap := baseValue.(map[string]any)
			if !baseIsMap {
				// 对象合并到标量/数组上,策略无法调和
				return nil, errors.Wrapf(ErrMergeConflict, "cannot merge object into non-object at path: %s", keyPath)
			}
			merged, err := deepMergeMap(baseMap, patchMap, opt, keyPath)
			if err != nil {
				return nil, err
			}
			result[key] = merged
			continue
		}
		patchArr, patchIsArr := patchValue.([]any)
		if patchIsArr && opt == ArrayMergeConcat {
			if baseArr, baseIsArr := baseValue.([]any); exists && baseIsArr {
				concat := make([]any, 0, len(baseArr)+len(patchArr))
				concat = append(concat, cloneContextSlice(baseArr)...)
				concat = append(concat, cloneContextSlice(patchArr)...)
				result[key] = concat
				continue
			}
		}
		// 标量和数组(replace策略)整体覆盖
		result[key] = cloneContextValue(patchValue)
	}
	return result, nil
}

func cloneContextMap(m map[string]any) map[string]any {
	ret := make(map[string]any, len(m))
	for k, v := range m {
		ret[k] = cloneContextValue(v)
	}
	return ret
}

func cloneContextSlice(arr []any) []any {
	ret := make([]any, 0, len(arr))
	for _, v := range arr {
		ret = append(ret, cloneContextValue(v))
	}
	return ret
}

func cloneContextValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneContextMap(val)
	case []any:
		return cloneContextSlice(val)
	default:
		return val
	}
}
