package api

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
}

type AllocatorResponse struct {
	Device string `json:"device"`
	ID     string `json:"id"`
	Arena  bool   `json:"arena"`
}

type StatsResponse struct {
	Object      string              `json:"object"`
	Weights     int                 `json:"weights"`
	Bytes       int64               `json:"bytes"`
	Allocators  []AllocatorResponse `json:"allocators"`
	Sources     map[string]int      `json:"sources,omitempty"`
	UptimeSecs  int64               `json:"uptime_seconds"`
	DiskBlobs   int                 `json:"disk_blobs"`
	SkippedBlob int                 `json:"skipped_blobs"`
}

type WeightResponse struct {
	Object      string   `json:"object"`
	Key         string   `json:"key"`
	OpType      string   `json:"op_type"`
	Buffers     int      `json:"buffers"`
	Bytes       int      `json:"bytes"`
	BufferSizes []int    `json:"buffer_sizes,omitempty"`
	Weights     []string `json:"weights,omitempty"`
}

type WeightListResponse struct {
	Object string           `json:"object"`
	Data   []WeightResponse `json:"data"`
}

type DispatchResponse struct {
	Object       string   `json:"object"`
	Backend      string   `json:"backend"`
	Features     string   `json:"features"`
	ComputeTypes []string `json:"compute_types"`
}
