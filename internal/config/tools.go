package config

import "github.com/vk/rnaflow/internal/model"

// Reference locations assumed by the built-in tools. A run file sets real
// paths with e.g. `tool "align" { params = { star_index = "/ref/star" } }`.
const (
	defaultStarIndex   = "./ref/star"
	defaultRSEMRef     = "./ref/rsem/ref"
	defaultTranscripts = "./ref/transcripts.fa"
)

// DefaultTools returns the built-in tool for every stage kind that runs one,
// keyed by the stage kind's name. Commands expect the tools on PATH.
func DefaultTools() map[string]model.ToolSpec {
	tools := []model.ToolSpec{
		{
			Name:    string(model.StageUnpack),
			Command: `tar --no-same-owner -xf {{.Inputs}} -C {{.OutputDir}}`,
		},
		{
			Name:    string(model.StageQualityCheck),
			Command: `fastqc --threads {{.Cores}} --outdir {{.OutputDir}} {{.Inputs}}`,
			Outputs: []model.ToolOutput{{Tag: "report", Glob: "*_fastqc.zip"}},
		},
		{
			// cutadapt takes a single file or a single pair.
			Name: string(model.StageAdapterTrim),
			Command: `cutadapt -j {{.Cores}} -m 35 -a {{.Params.fwd_adapter}} -o {{.OutputDir}}/R1_cutadapt.fastq ` +
				`{{if eq .Params.paired "true"}}-A {{.Params.rev_adapter}} -p {{.OutputDir}}/R2_cutadapt.fastq {{end}}{{.Inputs}}`,
		},
		{
			Name: string(model.StageAlign),
			Command: `STAR --runThreadN {{.Cores}} --genomeDir {{quote .Params.star_index}} --outFileNamePrefix {{.OutputDir}}/rna. ` +
				`--outSAMtype BAM SortedByCoordinate --quantMode TranscriptomeSAM --outSAMunmapped Within ` +
				`--outSAMattributes NH HI AS NM MD --outFilterType BySJout --limitBAMsortRAM {{.MemoryBytes}} ` +
				`{{if eq .Params.save_wiggle "true"}}--outWigType bedGraph --outWigStrand Unstranded {{end}}` +
				`{{if match "*.gz" .InputList}}--readFilesCommand zcat {{end}}` +
				`--readFilesIn {{if eq .Params.paired "true"}}{{.R1}} {{.R2}}{{else}}{{quote (join "," .InputList)}}{{end}}`,
			Outputs: []model.ToolOutput{
				{Tag: model.TagLog, Glob: "*Log.final.out"},
				{Tag: model.TagAlignment, Glob: "*Aligned.sortedByCoord.out.bam"},
				{Tag: model.TagWiggle, Glob: "*.bg"},
			},
			Params: map[string]string{"star_index": defaultStarIndex},
		},
		{
			Name: string(model.StageQuantifyMethodA),
			Command: `rsem-calculate-expression --quiet --no-qualities {{if eq .Params.paired "true"}}--paired-end {{end}}` +
				`-p {{.Cores}} --forward-prob 0.5 --seed-length 25 --fragment-length-mean -1.0 ` +
				`--bam {{words (match "*toTranscriptome.out.bam" .InputList)}} {{quote .Params.rsem_ref}} {{.OutputDir}}/rsem`,
			Params: map[string]string{"rsem_ref": defaultRSEMRef},
		},
		{
			Name: string(model.StageQuantifyMethodB),
			Command: `salmon quant --threads {{.Cores}} --libType A --targets {{quote .Params.transcripts}} ` +
				`--alignments {{words (match "*toTranscriptome.out.bam" .InputList)}} --output {{.OutputDir}}`,
			Params: map[string]string{"transcripts": defaultTranscripts},
		},
		{
			Name: string(model.StageAlignQC),
			Command: `sh -c 'samtools stats -@ "$1" "$2" > stats.txt && samtools flagstat -@ "$1" "$2" > flagstat.txt' ` +
				`align-qc {{.Cores}} {{words (match "*sortedByCoord.out.bam" .InputList)}}`,
		},
	}
	out := make(map[string]model.ToolSpec, len(tools))
	for _, t := range tools {
		out[t.Name] = t
	}
	return out
}
