package model

// 每个知识库 meta.db 的全部表
// 用于 AutoMigrate
var AllModels = []interface{}{
	&KnowledgeBase{},
	&Document{},
	&DocumentChunk{},
}
