package engine

import "github.com/zpiroux/megaetl/entity"

type Config struct {
	EventLogInterval     int // Number of records between metric log lines
	PreTransformHookFunc entity.PreTransformHookFunc
	NotifyChan           entity.NotifyChan
	Log                  bool
	LogRecordData        bool // Statements are logged at debug level if true
}
