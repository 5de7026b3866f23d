package model

// Qos represents a row in slurmdbd's qos_table. Only the columns the agent reads are mapped.
//
//	| id          | int(11)             | NO | PRI | auto_increment |
//	| name        | tinytext            | NO | UNI |                |
//	| deleted     | tinyint(4)          | YES|     | 0              |
//	| description | text                | YES|     | NULL           |
//	| flags       | int(10) unsigned    | YES|     | 0              |
//	| grp_tres    | text                | NO |     | ''             |
//	| priority    | int(10) unsigned    | YES|     | 0              |
//	| usage_factor| double              | NO |     | 1              |
type Qos struct {
	ID          int32   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name        string  `gorm:"column:name;unique" json:"name"`
	Deleted     int8    `gorm:"column:deleted" json:"deleted"`
	Description string  `gorm:"column:description" json:"description"`
	Flags       uint32  `gorm:"column:flags" json:"flags"`
	GrpTres     string  `gorm:"column:grp_tres" json:"grp_tres"`
	Priority    uint32  `gorm:"column:priority" json:"priority"`
	UsageFactor float64 `gorm:"column:usage_factor" json:"usage_factor"`
}

// Qoses is a slice of Qos.
type Qoses []Qos

// TableName implements gorm's tabler interface.
func (Qos) TableName() string { return "qos_table" }

// Association is a row of the cluster-scoped <cluster>_assoc_table.
type Association struct {
	ID         uint32 `gorm:"column:id_assoc;primaryKey" json:"id_assoc"`
	Deleted    int8   `gorm:"column:deleted" json:"deleted"`
	Acct       string `gorm:"column:acct" json:"acct"`
	User       string `gorm:"column:user" json:"user"`
	ParentAcct string `gorm:"column:parent_acct" json:"parent_acct"`
	Partition  string `gorm:"column:partition" json:"partition"`
	Shares     int32  `gorm:"column:shares" json:"shares"`
	GrpTresMin string `gorm:"column:grp_tres_mins" json:"grp_tres_mins"`
	QoS        string `gorm:"column:qos" json:"qos"`
}

// AssocTableName returns the association table name for a cluster.
func AssocTableName(cluster string) string { return cluster + "_assoc_table" }
