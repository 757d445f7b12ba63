package attribution

import "errors"

var (
	// ErrDeviceLookupFailed /proc 本身无法读取 (暂时性错误，本轮视为没有结果)
	ErrDeviceLookupFailed = errors.New("attribution: device lookup failed")
)
