package worker

import "errors"

var (
	// ErrPassThrough 表示请求不归缓存层处理，宿主应原样转发到网络。
	ErrPassThrough = errors.New("worker: request passes through")

	// ErrPartitionUnavailable 表示分区打开或读取失败，当前请求无法给出可靠响应。
	ErrPartitionUnavailable = errors.New("worker: partition unavailable")

	// ErrInvalidState 表示生命周期调用顺序错误，例如未安装就激活。
	ErrInvalidState = errors.New("worker: invalid lifecycle state")
)
