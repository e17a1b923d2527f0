package board

// Line is a device model's handle on one interrupt line of the fabric.
type Line struct {
	gic  *GIC
	line uint32
}

// NewLine binds an absolute INTID on the controller.
func NewLine(gic *GIC, line uint32) *Line {
	return &Line{gic: gic, line: line}
}

func (l *Line) Assert() {
	if l != nil && l.gic != nil {
		l.gic.Assert(l.line)
	}
}

func (l *Line) Deassert() {
	if l != nil && l.gic != nil {
		l.gic.Deassert(l.line)
	}
}
