package vulkan

type cacheOperation uint32

const (
	cacheOperationFlush cacheOperation = iota
	cacheOperationInvalidate
)

var cacheOperationMapping = map[cacheOperation]string{
	cacheOperationFlush:      "flush",
	cacheOperationInvalidate: "invalidate",
}

func (o cacheOperation) String() string {
	return cacheOperationMapping[o]
}
