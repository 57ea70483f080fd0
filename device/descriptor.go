package device

// DescriptorKind identifies which descriptor tables a descriptor may live in
type DescriptorKind uint32

const (
	// DescriptorKindResourceView covers constant buffer, shader resource and unordered access views
	DescriptorKindResourceView DescriptorKind = iota
	DescriptorKindSampler
	DescriptorKindRenderTarget
	DescriptorKindDepthStencil

	DescriptorKindCount = 4
)

var descriptorKindMapping = map[DescriptorKind]string{
	DescriptorKindResourceView: "ResourceView",
	DescriptorKindSampler:      "Sampler",
	DescriptorKindRenderTarget: "RenderTarget",
	DescriptorKindDepthStencil: "DepthStencil",
}

func (k DescriptorKind) String() string {
	return descriptorKindMapping[k]
}

// CanBeShaderVisible returns true if tables of this kind may be bound for shader access
func (k DescriptorKind) CanBeShaderVisible() bool {
	return k == DescriptorKindResourceView || k == DescriptorKindSampler
}

// CpuHandle is the CPU address of a descriptor slot
type CpuHandle uint64

// GpuHandle is the GPU address of a descriptor slot in a shader-visible table
type GpuHandle uint64

// DescriptorTable is one fixed-size array of descriptor slots
type DescriptorTable interface {
	Kind() DescriptorKind
	Count() int
	ShaderVisible() bool
	CpuBase() CpuHandle
	// GpuBase returns 0 for tables that are not shader visible
	GpuBase() GpuHandle
	Release() error
}

// DescriptorDevice creates descriptor tables
type DescriptorDevice interface {
	// DescriptorIncrement is the distance in bytes between adjacent slots of a table of the given kind
	DescriptorIncrement(kind DescriptorKind) int
	CreateDescriptorTable(kind DescriptorKind, count int, shaderVisible bool) (DescriptorTable, error)
	// CopyDescriptors copies count descriptors from the source slots to the destination slots
	CopyDescriptors(dst CpuHandle, src CpuHandle, count int, kind DescriptorKind) error
}
