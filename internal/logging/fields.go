package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由类型/缓存 key/命中状态字段，供代理请求日志复用。
func RequestFields(kind, name, key string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"kind":      kind,
		"name":      name,
		"key":       key,
		"cache_hit": cacheHit,
	}
}

// PreloadFields 提供后台预热单项日志字段。
func PreloadFields(name, key string, done, total int) logrus.Fields {
	return logrus.Fields{
		"action": "preload",
		"name":   name,
		"key":    key,
		"done":   done,
		"total":  total,
	}
}
