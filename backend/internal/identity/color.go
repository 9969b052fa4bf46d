package identity

import "hash/fnv"

var palette = []string{
	"#958DF1", "#F98181", "#FBBC88", "#FAF594", "#70CFF8",
	"#94FADB", "#B9F18D", "#C3E2C2", "#EAECCC", "#AFC8AD",
	"#EEC759", "#9BB8CD", "#FF90BC", "#FFC0D9", "#DC8686",
	"#7ED7C1", "#F3EEEA", "#89B9AD", "#D0BFFF", "#FFF8C9",
	"#CBFFA9", "#9BABB8", "#E3F4F4", "#D2E0FB",
}

// ColorFor 根据身份 ID 确定性地选出一个颜色：同一个 ID 在任何会话里颜色都一样。
func ColorFor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}
