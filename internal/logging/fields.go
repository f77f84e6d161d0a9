package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求分类、分区与响应来源字段，供拦截日志复用。
func RequestFields(method, url, class, partition, source string) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"url":       url,
		"class":     class,
		"partition": partition,
		"source":    source,
	}
}

// LifecycleFields 描述安装/激活阶段的上下文。
func LifecycleFields(action string, partitions []string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"partitions": partitions,
	}
}
