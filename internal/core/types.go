package core

import "canopy/pkg/domain"

type (
	Path            = domain.Path
	Segment         = domain.Segment
	TreeNode        = domain.TreeNode
	NodePayload     = domain.NodePayload
	Forest          = domain.Forest
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)
